package httpapi

import (
	"errors"
	"net/http"
	"time"

	"canaryd/internal/errcode"
	"canaryd/internal/rfpresence"
)

// rfSettingsJSON is the wire view of the RF thresholds, in whole seconds.
type rfSettingsJSON struct {
	PresenceThresholdSec int  `json:"presence_threshold_sec"`
	DwellThresholdSec    int  `json:"dwell_threshold_sec"`
	LostTimeoutSec       int  `json:"lost_timeout_sec"`
	MinPresenceCount     int  `json:"min_presence_count"`
	ImpulseEvents        bool `json:"impulse_events"`
}

func rfSettingsToJSON(s rfpresence.Settings) rfSettingsJSON {
	return rfSettingsJSON{
		PresenceThresholdSec: int(s.PresenceThreshold / time.Second),
		DwellThresholdSec:    int(s.DwellThreshold / time.Second),
		LostTimeoutSec:       int(s.LostTimeout / time.Second),
		MinPresenceCount:     s.MinCount,
		ImpulseEvents:        s.ImpulseEvents,
	}
}

func (s *Server) handleRFStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		rfpresence.Snapshot
	}{true, s.cfg.RF.Snapshot(s.now())})
}

func (s *Server) handleRFSettings(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"settings": rfSettingsToJSON(s.cfg.RF.Settings()),
	})
}

func (s *Server) handleRFEnable(w http.ResponseWriter, r *http.Request) {
	s.cfg.RF.Enable(s.now())
	writeOK(w, nil)
}

func (s *Server) handleRFDisable(w http.ResponseWriter, r *http.Request) {
	s.cfg.RF.Disable(s.now())
	writeOK(w, nil)
}

func (s *Server) handleRFRotate(w http.ResponseWriter, r *http.Request) {
	s.cfg.RF.RotateSession(s.now())
	writeOK(w, nil)
}

func (s *Server) handleRFSetSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PresenceThresholdSec *int  `json:"presence_threshold_sec"`
		DwellThresholdSec    *int  `json:"dwell_threshold_sec"`
		LostTimeoutSec       *int  `json:"lost_timeout_sec"`
		MinPresenceCount     *int  `json:"min_presence_count"`
		ImpulseEvents        *bool `json:"impulse_events"`
	}
	if err := validateAndDecode(r, s.schemas.rfSettings, &body); err != nil {
		writeError(w, err)
		return
	}

	// Partial update over the current settings.
	settings := s.cfg.RF.Settings()
	if body.PresenceThresholdSec != nil {
		settings.PresenceThreshold = time.Duration(*body.PresenceThresholdSec) * time.Second
	}
	if body.DwellThresholdSec != nil {
		settings.DwellThreshold = time.Duration(*body.DwellThresholdSec) * time.Second
	}
	if body.LostTimeoutSec != nil {
		settings.LostTimeout = time.Duration(*body.LostTimeoutSec) * time.Second
	}
	if body.MinPresenceCount != nil {
		settings.MinCount = *body.MinPresenceCount
	}
	if body.ImpulseEvents != nil {
		settings.ImpulseEvents = *body.ImpulseEvents
	}

	if err := s.cfg.RF.SetSettings(settings); err != nil {
		if errors.Is(err, rfpresence.ErrInvalidSettings) {
			writeError(w, errcode.New(errcode.CodeBadRequest, "settings out of bounds"))
			return
		}
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"settings": rfSettingsToJSON(settings)})
}
