package chirp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"canaryd/internal/clock"
	"canaryd/internal/errcode"
	"canaryd/internal/eventlog"
	"canaryd/internal/logging"
)

// Engine tuning. Durations are in monotonic device time.
const (
	presenceWarmup   = 10 * time.Minute
	defaultCooldown  = 15 * time.Minute
	maxSessionAge    = 4 * time.Hour
	presenceInterval = 30 * time.Second
	nearbyStaleAfter = 2 * time.Minute

	maxRecent = 32
	maxNearby = 16

	// validateConfirms is how many distinct neighbor confirmations a
	// received chirp needs before it is relayed.
	validateConfirms = 2

	defaultTTLMinutes = 15
	maxTTLMinutes     = 60
)

// muteDurations are the only accepted mute lengths, in minutes.
var muteDurations = map[int]bool{15: true, 30: true, 60: true, 120: true}

// Broadcaster sends a chirp frame to every device in radio range.
type Broadcaster interface {
	Broadcast(frame []byte) error
}

// Session is the ephemeral channel identity. It never touches storage and
// is redrawn on every enable, explicit rotate, and at maxSessionAge.
type Session struct {
	ID           [SessionIDSize]byte
	Emoji        string
	StartedAtMs  uint64
	LastSendAtMs uint64
	MutedUntilMs uint64
}

// NearbyDevice is another listening session in radio range.
type NearbyDevice struct {
	sessionHex string
	Emoji      string `json:"emoji"`
	AgeSec     uint64 `json:"age_sec"`
	RSSI       int8   `json:"rssi"`
	Listening  bool   `json:"listening"`

	lastSeenMs uint64
}

// Received is a community chirp held for the dashboard feed.
type Received struct {
	NonceHex       string   `json:"nonce"`
	TemplateID     uint8    `json:"template_id"`
	Category       Category `json:"category"`
	Text           string   `json:"text"`
	Urgency        Urgency  `json:"urgency"`
	Emoji          string   `json:"emoji"`
	HopCount       uint8    `json:"hop_count"`
	AgeSec         uint64   `json:"age_sec"`
	WitnessedCount int      `json:"witnessed_count"`
	Validated      bool     `json:"validated"`
	Relayed        bool     `json:"relayed"`
	ConfirmedHere  bool     `json:"confirmed_here"`

	senderHex   string
	firstSeenMs uint64
	ttlMinutes  uint8
	dismissed   bool
	hidden      bool
	confirmedBy map[string]struct{}
	msg         chirpMsg
}

// Settings are the operator-tunable knobs.
type Settings struct {
	RelayEnabled  bool          `json:"relay_enabled"`
	UrgencyFilter Urgency       `json:"urgency_filter"`
	Cooldown      time.Duration `json:"-"`
}

// DefaultSettings relays everything at info and above.
func DefaultSettings() Settings {
	return Settings{
		RelayEnabled:  true,
		UrgencyFilter: UrgencyInfo,
		Cooldown:      defaultCooldown,
	}
}

// Status is the channel snapshot for GET /api/chirp.
type Status struct {
	State                string `json:"state"`
	SessionEmoji         string `json:"session_emoji"`
	PresenceMet          bool   `json:"presence_met"`
	WarmupRemainingSec   uint64 `json:"warmup_remaining_sec"`
	NearbyCount          int    `json:"nearby_count"`
	RecentChirps         int    `json:"recent_chirps"`
	CooldownRemainingSec uint64 `json:"cooldown_remaining_sec"`
	RelayEnabled         bool   `json:"relay_enabled"`
	Muted                bool   `json:"muted"`
	MuteRemainingSec     uint64 `json:"mute_remaining_sec"`
	CanSend              bool   `json:"can_send"`
}

// Engine drives the chirp channel. All state is in memory; nothing about
// the channel persists across reboot except the operator settings, which
// the caller owns.
type Engine struct {
	mu sync.Mutex

	radio  Broadcaster
	events *eventlog.Log
	clk    *clock.Clock
	log    *logging.Logger

	enabled  bool
	session  Session
	settings Settings

	recent []*Received
	nearby []NearbyDevice

	// seen dedups nonces for relay-once and replay suppression.
	seen *gocache.Cache

	lastPresenceMs uint64
}

// Config wires the engine's collaborators.
type Config struct {
	Radio    Broadcaster
	Events   *eventlog.Log
	Clock    *clock.Clock
	Logger   *logging.Logger
	Settings Settings
}

// New builds a disabled engine. Enable starts a session.
func New(cfg Config) *Engine {
	s := cfg.Settings
	if s.UrgencyFilter == "" {
		s.UrgencyFilter = UrgencyInfo
	}
	if s.Cooldown <= 0 {
		s.Cooldown = defaultCooldown
	}
	return &Engine{
		radio:    cfg.Radio,
		events:   cfg.Events,
		clk:      cfg.Clock,
		log:      cfg.Logger.WithComponent("chirp"),
		settings: s,
		seen:     gocache.New(time.Duration(maxTTLMinutes)*time.Minute, time.Minute),
	}
}

// Enable starts a fresh ephemeral session and returns its emoji.
func (e *Engine) Enable() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		return e.session.Emoji, nil
	}
	if err := e.rotateLocked(); err != nil {
		return "", err
	}
	e.enabled = true
	e.events.Append(eventlog.LevelInfo, "chirp", "chirp channel enabled", "")
	e.log.Info("chirp enabled", "emoji", e.session.Emoji)
	e.broadcastPresenceLocked()
	return e.session.Emoji, nil
}

// Disable stops the channel and discards the session.
func (e *Engine) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	e.enabled = false
	e.session = Session{}
	e.recent = nil
	e.nearby = nil
	e.events.Append(eventlog.LevelInfo, "chirp", "chirp channel disabled", "")
}

// Enabled reports whether the channel is on.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// RotateSession discards the current identity and draws a new one.
func (e *Engine) RotateSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return errcode.New(errcode.CodeBadRequest, "chirp channel is disabled")
	}
	return e.rotateLocked()
}

func (e *Engine) rotateLocked() error {
	var s Session
	if _, err := rand.Read(s.ID[:]); err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "session id")
	}
	s.Emoji = emojiSet[s.ID[0]&0x0F]
	s.StartedAtMs = e.clk.NowMono()
	e.session = s
	e.nearby = nil
	return nil
}

// Status snapshots the channel.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.NowMono()
	st := Status{
		State:        "disabled",
		RelayEnabled: e.settings.RelayEnabled,
	}
	if !e.enabled {
		return st
	}

	st.SessionEmoji = e.session.Emoji
	st.NearbyCount = len(e.nearby)
	st.RecentChirps = e.visibleRecentLocked()
	st.Muted = e.mutedLocked(now)
	st.PresenceMet = e.warmupMetLocked(now)

	if !st.PresenceMet {
		st.WarmupRemainingSec = (uint64(presenceWarmup/time.Millisecond) - (now - e.session.StartedAtMs)) / 1000
	}
	if rem := e.cooldownRemainingLocked(now); rem > 0 {
		st.CooldownRemainingSec = uint64(rem / time.Second)
	}
	if st.Muted {
		st.MuteRemainingSec = (e.session.MutedUntilMs - now) / 1000
	}

	switch {
	case st.Muted:
		st.State = "muted"
	case st.CooldownRemainingSec > 0:
		st.State = "cooldown"
	default:
		st.State = "active"
	}
	st.CanSend = st.PresenceMet && !st.Muted && st.CooldownRemainingSec == 0
	return st
}

func (e *Engine) visibleRecentLocked() int {
	n := 0
	for _, c := range e.recent {
		if !c.dismissed && !c.hidden {
			n++
		}
	}
	return n
}

func (e *Engine) warmupMetLocked(now uint64) bool {
	return now-e.session.StartedAtMs >= uint64(presenceWarmup/time.Millisecond)
}

func (e *Engine) mutedLocked(now uint64) bool {
	return e.session.MutedUntilMs > now
}

func (e *Engine) cooldownRemainingLocked(now uint64) time.Duration {
	if e.session.LastSendAtMs == 0 {
		return 0
	}
	elapsed := time.Duration(now-e.session.LastSendAtMs) * time.Millisecond
	if elapsed >= e.settings.Cooldown {
		return 0
	}
	return e.settings.Cooldown - elapsed
}

// Send originates a chirp after the gates pass: channel enabled, warm-up
// met, not muted, cooldown elapsed.
func (e *Engine) Send(templateID uint8, urgency Urgency, ttlMinutes uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return errcode.New(errcode.CodeBadRequest, "chirp channel is disabled")
	}
	tmpl := templateByID(templateID)
	if tmpl == nil {
		return errcode.Newf(errcode.CodeBadRequest, "unknown template id %d", templateID)
	}
	if urgencyRank(urgency) < 0 {
		return errcode.New(errcode.CodeBadRequest, "urgency must be info, caution, or urgent")
	}
	if ttlMinutes == 0 {
		ttlMinutes = defaultTTLMinutes
	}
	if ttlMinutes > maxTTLMinutes {
		return errcode.Newf(errcode.CodeBadRequest, "ttl_minutes must be at most %d", maxTTLMinutes)
	}

	now := e.clk.NowMono()
	if e.mutedLocked(now) {
		return errcode.New(errcode.CodeBadRequest, "channel is muted").
			WithMeta("mute_remaining_sec", (e.session.MutedUntilMs-now)/1000)
	}
	if !e.warmupMetLocked(now) {
		rem := (uint64(presenceWarmup/time.Millisecond) - (now - e.session.StartedAtMs)) / 1000
		return errcode.New(errcode.CodePresenceNotMet, "session warm-up has not elapsed").
			WithMeta("warmup_remaining_sec", rem)
	}
	if rem := e.cooldownRemainingLocked(now); rem > 0 {
		return errcode.New(errcode.CodeCooldown, "please wait before sending another chirp").
			WithMeta("cooldown_remaining_sec", uint64(rem/time.Second))
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "chirp nonce")
	}
	msg := chirpMsg{
		SessionID:  e.session.ID[:],
		Nonce:      nonce,
		TemplateID: templateID,
		Urgency:    string(urgency),
		Emoji:      e.session.Emoji,
		TTLMinutes: ttlMinutes,
		HopCount:   0,
	}
	frame, err := encodeMsg(msgChirp, msg)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "encode chirp")
	}
	if err := e.radio.Broadcast(frame); err != nil {
		return errcode.Wrap(err, errcode.CodeRadioFailure, "chirp broadcast failed")
	}

	// Never relay our own chirp back.
	e.seen.Set(hex.EncodeToString(nonce), struct{}{}, gocache.DefaultExpiration)

	e.session.LastSendAtMs = now
	e.events.Append(eventlog.LevelInfo, "chirp",
		fmt.Sprintf("chirp sent: %s", tmpl.Text), string(urgency))
	e.log.Info("chirp sent", "template", templateID, "urgency", urgency)
	return nil
}

// Recent returns the visible feed, oldest first, filtered by the urgency
// setting.
func (e *Engine) Recent() []Received {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.NowMono()
	minRank := urgencyRank(e.settings.UrgencyFilter)
	out := make([]Received, 0, len(e.recent))
	for _, c := range e.recent {
		if c.dismissed || c.hidden {
			continue
		}
		if urgencyRank(c.Urgency) < minRank {
			continue
		}
		v := *c
		v.AgeSec = (now - c.firstSeenMs) / 1000
		v.confirmedBy = nil
		out = append(out, v)
	}
	return out
}

// Nearby returns the cached neighbor sessions.
func (e *Engine) Nearby() []NearbyDevice {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.NowMono()
	out := make([]NearbyDevice, len(e.nearby))
	for i, d := range e.nearby {
		d.AgeSec = (now - d.lastSeenMs) / 1000
		out[i] = d
	}
	return out
}

// Confirm broadcasts a human confirmation for a received chirp.
func (e *Engine) Confirm(nonceHex string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return errcode.New(errcode.CodeBadRequest, "chirp channel is disabled")
	}
	c := e.findRecentLocked(nonceHex)
	if c == nil {
		return errcode.New(errcode.CodeNotFound, "no such chirp")
	}
	if c.ConfirmedHere {
		return nil
	}

	msg := confirmMsg{SessionID: e.session.ID[:], Nonce: c.msg.Nonce}
	frame, err := encodeMsg(msgConfirm, msg)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "encode confirm")
	}
	if err := e.radio.Broadcast(frame); err != nil {
		return errcode.Wrap(err, errcode.CodeRadioFailure, "confirm broadcast failed")
	}
	c.ConfirmedHere = true
	return nil
}

// Dismiss hides a chirp from the feed. It stays in memory for relay
// accounting until its TTL expires.
func (e *Engine) Dismiss(nonceHex string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.findRecentLocked(nonceHex)
	if c == nil {
		return errcode.New(errcode.CodeNotFound, "no such chirp")
	}
	c.dismissed = true
	return nil
}

// Mute silences the feed and send button for one of the fixed durations.
// Relay keeps running.
func (e *Engine) Mute(minutes int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return errcode.New(errcode.CodeBadRequest, "chirp channel is disabled")
	}
	if !muteDurations[minutes] {
		return errcode.New(errcode.CodeBadRequest, "duration must be 15, 30, 60, or 120 minutes")
	}
	e.session.MutedUntilMs = e.clk.NowMono() + uint64(minutes)*60_000

	// Let neighbors know this session went quiet.
	if frame, err := encodeMsg(msgMute, muteMsg{SessionID: e.session.ID[:]}); err == nil {
		e.radio.Broadcast(frame)
	}
	return nil
}

// Unmute lifts a mute immediately.
func (e *Engine) Unmute() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.MutedUntilMs = 0
}

// Settings returns the current knobs.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// SetSettings applies any non-nil knob and returns the result.
func (e *Engine) SetSettings(relayEnabled *bool, urgencyFilter *Urgency) (Settings, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if urgencyFilter != nil && urgencyRank(*urgencyFilter) < 0 {
		return e.settings, errcode.New(errcode.CodeBadRequest, "urgency_filter must be info, caution, or urgent")
	}
	if relayEnabled != nil {
		e.settings.RelayEnabled = *relayEnabled
	}
	if urgencyFilter != nil {
		e.settings.UrgencyFilter = *urgencyFilter
	}
	return e.settings, nil
}

// Tick drives presence beacons, expiry, auto-unmute, and session rotation.
// Call it about once a second.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return
	}
	now := e.clk.NowMono()

	if now-e.session.StartedAtMs >= uint64(maxSessionAge/time.Millisecond) {
		e.log.Info("session rotated by age")
		e.rotateLocked()
	}

	if e.session.MutedUntilMs != 0 && now >= e.session.MutedUntilMs {
		e.session.MutedUntilMs = 0
	}

	if now-e.lastPresenceMs >= uint64(presenceInterval/time.Millisecond) {
		e.lastPresenceMs = now
		e.broadcastPresenceLocked()
	}

	// Drop stale neighbors.
	kept := e.nearby[:0]
	for _, d := range e.nearby {
		if now-d.lastSeenMs < uint64(nearbyStaleAfter/time.Millisecond) {
			kept = append(kept, d)
		}
	}
	e.nearby = kept

	// Expire chirps past their TTL.
	keptChirps := e.recent[:0]
	for _, c := range e.recent {
		if now-c.firstSeenMs < uint64(c.ttlMinutes)*60_000 {
			keptChirps = append(keptChirps, c)
		}
	}
	e.recent = keptChirps
}

func (e *Engine) broadcastPresenceLocked() {
	msg := presenceMsg{SessionID: e.session.ID[:], Emoji: e.session.Emoji, Listening: true}
	if frame, err := encodeMsg(msgPresence, msg); err == nil {
		if err := e.radio.Broadcast(frame); err != nil {
			e.log.Warn("presence broadcast failed", "error", err)
		}
	}
}

// HandleFrame processes one received chirp-channel frame.
func (e *Engine) HandleFrame(frame []byte, rssi int8) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return
	}
	t, err := peekMsgType(frame)
	if err != nil {
		return
	}
	switch t {
	case msgPresence:
		e.handlePresence(frame, rssi)
	case msgChirp:
		e.handleChirp(frame)
	case msgConfirm:
		e.handleConfirm(frame)
	case msgMute:
		// Neighbors' mutes are informational; nothing to track.
	}
}

func (e *Engine) handlePresence(frame []byte, rssi int8) {
	var msg presenceMsg
	if _, err := decodeMsg(frame, &msg); err != nil {
		return
	}
	if len(msg.SessionID) != SessionIDSize || e.isOwnSession(msg.SessionID) {
		return
	}
	sessionHex := hex.EncodeToString(msg.SessionID)
	now := e.clk.NowMono()

	for i := range e.nearby {
		if e.nearby[i].sessionHex == sessionHex {
			e.nearby[i].lastSeenMs = now
			e.nearby[i].RSSI = rssi
			e.nearby[i].Listening = msg.Listening
			return
		}
	}
	if len(e.nearby) >= maxNearby {
		return
	}
	e.nearby = append(e.nearby, NearbyDevice{
		sessionHex: sessionHex,
		Emoji:      msg.Emoji,
		RSSI:       rssi,
		Listening:  msg.Listening,
		lastSeenMs: now,
	})
}

func (e *Engine) handleChirp(frame []byte) {
	var msg chirpMsg
	if _, err := decodeMsg(frame, &msg); err != nil {
		return
	}
	if len(msg.SessionID) != SessionIDSize || len(msg.Nonce) != NonceSize {
		return
	}
	if e.isOwnSession(msg.SessionID) {
		return
	}
	if msg.HopCount > MaxHopCount {
		return
	}
	tmpl := templateByID(msg.TemplateID)
	if tmpl == nil {
		return
	}
	if msg.TTLMinutes == 0 || msg.TTLMinutes > maxTTLMinutes {
		msg.TTLMinutes = defaultTTLMinutes
	}

	nonceHex := hex.EncodeToString(msg.Nonce)
	if _, dup := e.seen.Get(nonceHex); dup {
		return
	}
	e.seen.Set(nonceHex, struct{}{}, gocache.DefaultExpiration)

	now := e.clk.NowMono()
	c := &Received{
		NonceHex:    nonceHex,
		TemplateID:  msg.TemplateID,
		Category:    tmpl.Category,
		Text:        tmpl.Text,
		Urgency:     Urgency(msg.Urgency),
		Emoji:       msg.Emoji,
		HopCount:    msg.HopCount,
		senderHex:   hex.EncodeToString(msg.SessionID),
		firstSeenMs: now,
		ttlMinutes:  msg.TTLMinutes,
		hidden:      e.mutedLocked(now),
		confirmedBy: make(map[string]struct{}),
		msg:         msg,
	}
	if len(e.recent) >= maxRecent {
		e.recent = e.recent[1:]
	}
	e.recent = append(e.recent, c)

	if !c.hidden {
		e.events.Append(eventlog.LevelInfo, "chirp",
			fmt.Sprintf("community chirp: %s", tmpl.Text), string(c.Urgency))
	}
}

func (e *Engine) handleConfirm(frame []byte) {
	var msg confirmMsg
	if _, err := decodeMsg(frame, &msg); err != nil {
		return
	}
	if len(msg.SessionID) != SessionIDSize || len(msg.Nonce) != NonceSize {
		return
	}
	if e.isOwnSession(msg.SessionID) {
		return
	}
	c := e.findRecentLocked(hex.EncodeToString(msg.Nonce))
	if c == nil {
		return
	}
	confirmer := hex.EncodeToString(msg.SessionID)
	if confirmer == c.senderHex {
		// A sender cannot witness its own chirp.
		return
	}
	if _, already := c.confirmedBy[confirmer]; already {
		return
	}
	c.confirmedBy[confirmer] = struct{}{}
	c.WitnessedCount = len(c.confirmedBy)

	if !c.Validated && c.WitnessedCount >= validateConfirms {
		c.Validated = true
		e.maybeRelayLocked(c)
	}
}

// maybeRelayLocked forwards a validated chirp exactly once, hop count
// incremented, sender identity untouched.
func (e *Engine) maybeRelayLocked(c *Received) {
	if !e.settings.RelayEnabled || c.Relayed || c.msg.HopCount >= MaxHopCount {
		return
	}
	relay := c.msg
	relay.HopCount++
	frame, err := encodeMsg(msgChirp, relay)
	if err != nil {
		return
	}
	if err := e.radio.Broadcast(frame); err != nil {
		e.log.Warn("relay broadcast failed", "error", err)
		return
	}
	c.Relayed = true
	e.log.Debug("chirp relayed", "nonce", c.NonceHex, "hop", relay.HopCount)
}

func (e *Engine) findRecentLocked(nonceHex string) *Received {
	for _, c := range e.recent {
		if c.NonceHex == nonceHex {
			return c
		}
	}
	return nil
}

func (e *Engine) isOwnSession(sessionID []byte) bool {
	if len(sessionID) != SessionIDSize {
		return false
	}
	for i, b := range sessionID {
		if e.session.ID[i] != b {
			return false
		}
	}
	return true
}
