// Package netsup supervises the appliance's two network faces: the
// always-on soft-AP the dashboard is served from, and a station link to
// the operator's infrastructure network.
//
// Scans are non-blocking, connects are bounded with backoff, and the
// station credentials only ever touch storage sealed under the
// device-bound key.
package netsup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"canaryd/internal/errcode"
	"canaryd/internal/eventlog"
	"canaryd/internal/kv"
	"canaryd/internal/logging"
)

// Station link states.
type LinkState string

const (
	LinkIdle         LinkState = "idle"
	LinkScanning     LinkState = "scanning"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
)

// Supervisor tuning.
const (
	defaultConnectTimeout = 20 * time.Second
	connectTries          = 3
	connectBackoffBase    = 2 * time.Second
	scanTimeout           = 15 * time.Second
	rssiSampleInterval    = 5 * time.Second
)

// KV keys for the station credentials.
const (
	kvKeySSID      = "wifi_ssid"
	kvKeySealedPSK = "wifi_psk_sealed"
)

var ErrScanInProgress = errors.New("netsup: scan already in progress")

// Network is one scan result.
type Network struct {
	SSID    string `json:"ssid"`
	RSSI    int8   `json:"rssi"`
	Channel int    `json:"channel"`
	Secured bool   `json:"secured"`
}

// Radio abstracts the wifi hardware. Scan and Connect may block for
// seconds; the supervisor always calls them off the request path.
type Radio interface {
	Scan(ctx context.Context) ([]Network, error)
	Connect(ctx context.Context, ssid, psk string) error
	Disconnect() error
	RSSI() (int8, error)
}

// Status is the connectivity snapshot for GET /api/wifi.
type Status struct {
	APActive     bool      `json:"ap_active"`
	APSSID       string    `json:"ap_ssid"`
	State        LinkState `json:"state"`
	SSID         string    `json:"ssid,omitempty"`
	RSSI         int8      `json:"rssi"`
	Scanning     bool      `json:"scanning"`
	ScanResults  []Network `json:"scan_results,omitempty"`
	HasSavedCred bool      `json:"has_saved_credentials"`
}

// Supervisor owns the station lifecycle. One background attempt (scan or
// connect) runs at a time.
type Supervisor struct {
	mu sync.Mutex

	radio  Radio
	store  *kv.Store
	events *eventlog.Log
	log    *logging.Logger

	apSSID string

	state       LinkState
	ssid        string
	rssi        int8
	scanning    bool
	scanResults []Network

	connectTimeout time.Duration
	connectBackoff time.Duration
	cancelCurrent  context.CancelFunc

	lastRSSISample time.Time
}

// Config wires the supervisor's collaborators.
type Config struct {
	Radio          Radio
	Store          *kv.Store
	Events         *eventlog.Log
	Logger         *logging.Logger
	APSSID         string
	ConnectTimeout time.Duration
	ConnectBackoff time.Duration
}

// New builds an idle supervisor. The soft-AP is assumed up for the life of
// the process.
func New(cfg Config) *Supervisor {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	backoff := cfg.ConnectBackoff
	if backoff <= 0 {
		backoff = connectBackoffBase
	}
	return &Supervisor{
		radio:          cfg.Radio,
		store:          cfg.Store,
		events:         cfg.Events,
		log:            cfg.Logger.WithComponent("netsup"),
		apSSID:         cfg.APSSID,
		state:          LinkIdle,
		connectTimeout: timeout,
		connectBackoff: backoff,
	}
}

// Status snapshots the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		APActive:     true,
		APSSID:       s.apSSID,
		State:        s.state,
		Scanning:     s.scanning,
		HasSavedCred: s.hasSavedLocked(),
	}
	if s.state == LinkConnected || s.state == LinkConnecting {
		st.SSID = s.ssid
	}
	if s.state == LinkConnected {
		st.RSSI = s.rssi
	}
	if !s.scanning {
		st.ScanResults = s.scanResults
	}
	return st
}

func (s *Supervisor) hasSavedLocked() bool {
	return s.store.GetString(kvKeySSID, "") != ""
}

// StartScan kicks off a background scan and returns immediately. Status
// reports scanning=true until results land or the scan times out.
func (s *Supervisor) StartScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanning {
		return errcode.Wrap(ErrScanInProgress, errcode.CodeBusy, "scan in progress")
	}
	s.scanning = true
	s.scanResults = nil

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	go func() {
		defer cancel()
		results, err := s.radio.Scan(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.scanning = false
		if err != nil {
			s.log.Warn("wifi scan failed", "error", err)
			return
		}
		s.scanResults = results
		s.log.Info("wifi scan complete", "networks", len(results))
	}()
	return nil
}

// Connect seals the credentials into KV and starts a bounded background
// connect with exponential backoff.
func (s *Supervisor) Connect(ssid, psk string) error {
	if ssid == "" || len(ssid) > 32 {
		return errcode.New(errcode.CodeBadRequest, "ssid must be 1-32 characters")
	}

	s.mu.Lock()
	if s.state == LinkConnecting {
		s.mu.Unlock()
		return errcode.New(errcode.CodeBusy, "connect already in progress")
	}

	// Persist first so the link survives reboot. The PSK is sealed; only
	// the SSID is readable at rest.
	if err := s.store.SetString(kvKeySSID, ssid); err != nil {
		s.mu.Unlock()
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "save credentials")
	}
	if err := s.store.SetSealed(kvKeySealedPSK, []byte(psk)); err != nil {
		s.mu.Unlock()
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "seal credentials")
	}

	s.state = LinkConnecting
	s.ssid = ssid
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelCurrent = cancel
	s.mu.Unlock()

	go s.connectLoop(ctx, ssid, psk)
	return nil
}

// connectLoop tries up to connectTries times with exponential backoff,
// each attempt bounded by the connect timeout.
func (s *Supervisor) connectLoop(ctx context.Context, ssid, psk string) {
	var lastErr error
	for attempt := 1; attempt <= connectTries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		err := s.radio.Connect(attemptCtx, ssid, psk)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.mu.Lock()
			s.state = LinkConnected
			s.rssi = 0
			s.mu.Unlock()
			s.events.Append(eventlog.LevelInfo, "network",
				fmt.Sprintf("connected to %s", ssid), "")
			s.log.Info("station connected", "ssid", ssid, "attempt", attempt)
			return
		}
		lastErr = err
		s.log.Warn("connect attempt failed", "ssid", ssid, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.connectBackoff << (attempt - 1)):
		}
	}

	s.mu.Lock()
	s.state = LinkFailed
	s.mu.Unlock()
	s.events.Append(eventlog.LevelWarning, "network",
		fmt.Sprintf("connection to %s failed", ssid), fmt.Sprint(lastErr))
}

// Disconnect drops the station link, keeping the saved credentials.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	if s.cancelCurrent != nil {
		s.cancelCurrent()
		s.cancelCurrent = nil
	}
	s.state = LinkDisconnected
	s.ssid = ""
	s.mu.Unlock()

	if err := s.radio.Disconnect(); err != nil {
		return errcode.Wrap(err, errcode.CodeRadioFailure, "disconnect")
	}
	return nil
}

// Forget drops the link and deletes the sealed credentials.
func (s *Supervisor) Forget() error {
	if err := s.Disconnect(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(kvKeySSID); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "forget credentials")
	}
	if err := s.store.Delete(kvKeySealedPSK); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "forget credentials")
	}
	s.state = LinkIdle
	return nil
}

// Reconnect re-establishes the link from sealed credentials, used at boot.
func (s *Supervisor) Reconnect() error {
	ssid := s.store.GetString(kvKeySSID, "")
	if ssid == "" {
		return errcode.New(errcode.CodeNotFound, "no saved credentials")
	}
	psk, err := s.store.GetSealed(kvKeySealedPSK)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeNotFound, "no saved credentials")
	}
	return s.Connect(ssid, string(psk))
}

// Tick samples RSSI while connected. Call about once a second.
func (s *Supervisor) Tick(now time.Time) {
	s.mu.Lock()
	if s.state != LinkConnected || now.Sub(s.lastRSSISample) < rssiSampleInterval {
		s.mu.Unlock()
		return
	}
	s.lastRSSISample = now
	s.mu.Unlock()

	rssi, err := s.radio.RSSI()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// Link went away under us.
		if s.state == LinkConnected {
			s.state = LinkDisconnected
			s.events.Append(eventlog.LevelWarning, "network", "station link lost", "")
		}
		return
	}
	s.rssi = rssi
}
