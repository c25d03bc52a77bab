// Package bluetooth manages the appliance's BLE face: advertising for the
// companion app, a guarded pairing window, and a small persisted registry
// of paired devices.
package bluetooth

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"canaryd/internal/clock"
	"canaryd/internal/errcode"
	"canaryd/internal/eventlog"
	"canaryd/internal/kv"
	"canaryd/internal/logging"
)

// State names the BLE controller state.
type State string

const (
	StateDisabled    State = "disabled"
	StateIdle        State = "idle"
	StateAdvertising State = "advertising"
	StatePairing     State = "pairing"
	StateConnected   State = "connected"
)

const (
	// MaxPairedDevices bounds the registry.
	MaxPairedDevices = 8

	pairingWindow     = 60 * time.Second
	inactivityTimeout = 5 * time.Minute

	maxDeviceNameLen = 32

	kvKeySettings = "bt_settings"
	kvKeyPaired   = "bt_paired"
)

// Controller abstracts the BLE hardware. Implementations report pairing
// completion and connection activity back through the engine's Handle
// methods.
type Controller interface {
	StartAdvertising(name string, txPower int8) error
	StopAdvertising() error
	Disconnect() error
}

// Settings are the persisted BLE knobs.
type Settings struct {
	AutoAdvertise        bool   `cbor:"1,keyasint" json:"auto_advertise"`
	AllowPairing         bool   `cbor:"2,keyasint" json:"allow_pairing"`
	RequirePIN           bool   `cbor:"3,keyasint" json:"require_pin"`
	DeviceName           string `cbor:"4,keyasint" json:"device_name"`
	TxPower              int8   `cbor:"5,keyasint" json:"tx_power"`
	InactivityTimeoutSec int    `cbor:"6,keyasint" json:"inactivity_timeout_sec"`
	NotifyOnConnect      bool   `cbor:"7,keyasint" json:"notify_on_connect"`
}

// DefaultSettings matches the appliance defaults.
func DefaultSettings() Settings {
	return Settings{
		AutoAdvertise:        false,
		AllowPairing:         true,
		RequirePIN:           true,
		DeviceName:           "canary",
		TxPower:              0,
		InactivityTimeoutSec: int(inactivityTimeout / time.Second),
		NotifyOnConnect:      true,
	}
}

// PairedDevice is one registry entry.
type PairedDevice struct {
	Address         string `cbor:"1,keyasint" json:"address"`
	Name            string `cbor:"2,keyasint" json:"name"`
	PairedTsMs      uint64 `cbor:"3,keyasint" json:"paired_ts_ms"`
	LastConnectedMs uint64 `cbor:"4,keyasint" json:"last_connected_ms"`
	ConnectionCount uint32 `cbor:"5,keyasint" json:"connection_count"`
	Trusted         bool   `cbor:"6,keyasint" json:"trusted"`
	Blocked         bool   `cbor:"7,keyasint" json:"blocked"`
}

// Status is the snapshot for GET /api/bluetooth.
type Status struct {
	State       State  `json:"state"`
	Enabled     bool   `json:"enabled"`
	Advertising bool   `json:"advertising"`
	Pairing     bool   `json:"pairing"`
	Connected   bool   `json:"connected"`
	DeviceName  string `json:"device_name"`
	TxPower     int8   `json:"tx_power"`
	PairedCount int    `json:"paired_count"`
	PairingPIN  string `json:"pairing_pin,omitempty"`
}

// Engine drives the BLE state machine.
type Engine struct {
	mu sync.Mutex

	ctrl   Controller
	store  *kv.Store
	events *eventlog.Log
	clk    *clock.Clock
	log    *logging.Logger

	enabled  bool
	state    State
	settings Settings
	paired   []PairedDevice

	pairingPIN      string
	pairingDeadline time.Time

	connectedAddr  string
	lastActivityMs uint64
}

// Config wires the engine's collaborators.
type Config struct {
	Controller Controller
	Store      *kv.Store
	Events     *eventlog.Log
	Clock      *clock.Clock
	Logger     *logging.Logger
}

// New loads settings and the paired registry from KV.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		ctrl:     cfg.Controller,
		store:    cfg.Store,
		events:   cfg.Events,
		clk:      cfg.Clock,
		log:      cfg.Logger.WithComponent("bluetooth"),
		state:    StateDisabled,
		settings: DefaultSettings(),
	}
	if raw, err := cfg.Store.Get(kvKeySettings); err == nil {
		if err := cbor.Unmarshal(raw, &e.settings); err != nil {
			return nil, fmt.Errorf("bluetooth: decode settings: %w", err)
		}
	}
	if raw, err := cfg.Store.Get(kvKeyPaired); err == nil {
		if err := cbor.Unmarshal(raw, &e.paired); err != nil {
			return nil, fmt.Errorf("bluetooth: decode paired registry: %w", err)
		}
	}
	return e, nil
}

// Enable powers the controller up; auto-advertise if configured.
func (e *Engine) Enable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		return nil
	}
	e.enabled = true
	e.state = StateIdle
	if e.settings.AutoAdvertise {
		return e.startAdvertisingLocked()
	}
	return nil
}

// Disable stops everything and powers the controller down.
func (e *Engine) Disable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return nil
	}
	if e.state == StateAdvertising || e.state == StatePairing {
		e.ctrl.StopAdvertising()
	}
	if e.state == StateConnected {
		e.ctrl.Disconnect()
	}
	e.enabled = false
	e.state = StateDisabled
	e.pairingPIN = ""
	return nil
}

// Status snapshots the controller.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:       e.state,
		Enabled:     e.enabled,
		Advertising: e.state == StateAdvertising || e.state == StatePairing,
		Pairing:     e.state == StatePairing,
		Connected:   e.state == StateConnected,
		DeviceName:  e.settings.DeviceName,
		TxPower:     e.settings.TxPower,
		PairedCount: len(e.paired),
	}
	if e.state == StatePairing && e.settings.RequirePIN {
		st.PairingPIN = e.pairingPIN
	}
	return st
}

// Settings returns the current knobs.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// SetSettings replaces the knobs and persists them.
func (e *Engine) SetSettings(s Settings) error {
	if s.DeviceName == "" || len(s.DeviceName) > maxDeviceNameLen {
		return errcode.New(errcode.CodeBadRequest, "device_name must be 1-32 characters")
	}
	if s.InactivityTimeoutSec <= 0 {
		s.InactivityTimeoutSec = int(inactivityTimeout / time.Second)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	raw, err := cbor.Marshal(s)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "encode settings")
	}
	if err := e.store.Set(kvKeySettings, raw); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "persist settings")
	}
	e.settings = s
	return nil
}

// Paired returns the registry.
func (e *Engine) Paired() []PairedDevice {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PairedDevice, len(e.paired))
	copy(out, e.paired)
	return out
}

// StartAdvertising begins broadcasting presence.
func (e *Engine) StartAdvertising() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return errcode.New(errcode.CodeBadRequest, "bluetooth is disabled")
	}
	return e.startAdvertisingLocked()
}

func (e *Engine) startAdvertisingLocked() error {
	if e.state == StateAdvertising || e.state == StatePairing {
		return nil
	}
	if err := e.ctrl.StartAdvertising(e.settings.DeviceName, e.settings.TxPower); err != nil {
		return errcode.Wrap(err, errcode.CodeRadioFailure, "start advertising")
	}
	e.state = StateAdvertising
	return nil
}

// StopAdvertising ends the broadcast.
func (e *Engine) StopAdvertising() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAdvertising && e.state != StatePairing {
		return nil
	}
	if err := e.ctrl.StopAdvertising(); err != nil {
		return errcode.Wrap(err, errcode.CodeRadioFailure, "stop advertising")
	}
	e.state = StateIdle
	e.pairingPIN = ""
	return nil
}

// StartPairing opens a 60 s pairing window and returns the PIN the
// companion app must echo, when one is required.
func (e *Engine) StartPairing() (pin string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return "", errcode.New(errcode.CodeBadRequest, "bluetooth is disabled")
	}
	if !e.settings.AllowPairing {
		return "", errcode.New(errcode.CodeBadRequest, "pairing is not allowed")
	}
	if e.state == StatePairing {
		return "", errcode.New(errcode.CodeBusy, "pairing already in progress")
	}
	if len(e.paired) >= MaxPairedDevices {
		return "", errcode.New(errcode.CodeBadRequest, "paired device registry is full")
	}

	if e.state != StateAdvertising {
		if err := e.startAdvertisingLocked(); err != nil {
			return "", err
		}
	}
	if e.settings.RequirePIN {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", errcode.Wrap(err, errcode.CodeInternal, "pairing pin")
		}
		e.pairingPIN = fmt.Sprintf("%06d", binary.BigEndian.Uint32(b[:])%1000000)
	}
	e.state = StatePairing
	e.pairingDeadline = time.Now().Add(pairingWindow)
	return e.pairingPIN, nil
}

// HandlePaired records a completed pairing reported by the controller.
func (e *Engine) HandlePaired(address, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePairing {
		return errcode.New(errcode.CodeBadRequest, "no pairing window open")
	}
	now, _ := e.clk.NowWall()
	for i := range e.paired {
		if e.paired[i].Address == address {
			// Re-pairing an old device refreshes it.
			e.paired[i].Name = name
			e.paired[i].PairedTsMs = now
			return e.commitPairedLocked()
		}
	}
	if len(e.paired) >= MaxPairedDevices {
		return errcode.New(errcode.CodeBadRequest, "paired device registry is full")
	}
	e.paired = append(e.paired, PairedDevice{
		Address:    address,
		Name:       name,
		PairedTsMs: now,
		Trusted:    true,
	})
	if err := e.commitPairedLocked(); err != nil {
		e.paired = e.paired[:len(e.paired)-1]
		return err
	}
	e.state = StateAdvertising
	e.pairingPIN = ""
	e.events.Append(eventlog.LevelInfo, "bluetooth", "device paired", name)
	return nil
}

// HandleConnected records a connection from a paired device.
func (e *Engine) HandleConnected(address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now, _ := e.clk.NowWall()
	for i := range e.paired {
		if e.paired[i].Address == address {
			e.paired[i].LastConnectedMs = now
			e.paired[i].ConnectionCount++
			e.commitPairedLocked()
			break
		}
	}
	e.state = StateConnected
	e.connectedAddr = address
	e.lastActivityMs = e.clk.NowMono()
	if e.settings.NotifyOnConnect {
		e.events.Append(eventlog.LevelInfo, "bluetooth", "device connected", address)
	}
}

// HandleDisconnected returns the engine to advertising or idle.
func (e *Engine) HandleDisconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return
	}
	e.connectedAddr = ""
	if e.settings.AutoAdvertise {
		e.state = StateAdvertising
	} else {
		e.state = StateIdle
	}
}

// HandleActivity refreshes the inactivity timer.
func (e *Engine) HandleActivity() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivityMs = e.clk.NowMono()
}

// RemovePaired forgets one device.
func (e *Engine) RemovePaired(address string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.paired {
		if e.paired[i].Address == address {
			e.paired = append(e.paired[:i], e.paired[i+1:]...)
			return e.commitPairedLocked()
		}
	}
	return errcode.New(errcode.CodeNotFound, "no such paired device")
}

func (e *Engine) commitPairedLocked() error {
	raw, err := cbor.Marshal(e.paired)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeInternal, "encode paired registry")
	}
	if err := e.store.Set(kvKeyPaired, raw); err != nil {
		return errcode.Wrap(err, errcode.CodeStorageUnavailable, "persist paired registry")
	}
	return nil
}

// Tick expires the pairing window and drops idle connections.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StatePairing && now.After(e.pairingDeadline) {
		e.state = StateAdvertising
		e.pairingPIN = ""
		e.events.Append(eventlog.LevelInfo, "bluetooth", "pairing window expired", "")
	}

	if e.state == StateConnected && e.settings.InactivityTimeoutSec > 0 {
		idle := time.Duration(e.clk.NowMono()-e.lastActivityMs) * time.Millisecond
		if idle >= time.Duration(e.settings.InactivityTimeoutSec)*time.Second {
			e.ctrl.Disconnect()
			e.connectedAddr = ""
			e.state = StateIdle
			e.log.Info("connection dropped for inactivity")
		}
	}
}
