package httpapi

import (
	"net/http"

	"canaryd/internal/chirp"
	"canaryd/internal/errcode"
)

func (s *Server) handleChirpStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		chirp.Status
	}{true, s.cfg.Chirp.Status()})
}

func (s *Server) handleChirpRecent(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"chirps":    s.cfg.Chirp.Recent(),
		"templates": chirp.Templates(),
	})
}

func (s *Server) handleChirpNearby(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"devices": s.cfg.Chirp.Nearby()})
}

func (s *Server) handleChirpEnable(w http.ResponseWriter, r *http.Request) {
	emoji, err := s.cfg.Chirp.Enable()
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"session_emoji": emoji})
}

func (s *Server) handleChirpDisable(w http.ResponseWriter, r *http.Request) {
	s.cfg.Chirp.Disable()
	writeOK(w, nil)
}

func (s *Server) handleChirpSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID *int   `json:"template_id"`
		Urgency    string `json:"urgency"`
		TTLMinutes int    `json:"ttl_minutes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.TemplateID == nil {
		writeError(w, errcode.New(errcode.CodeBadRequest, "template_id is required"))
		return
	}
	if *body.TemplateID < 0 || *body.TemplateID > 255 ||
		body.TTLMinutes < 0 || body.TTLMinutes > 255 {
		writeError(w, errcode.New(errcode.CodeBadRequest, "value out of range"))
		return
	}

	err := s.cfg.Chirp.Send(uint8(*body.TemplateID), chirp.Urgency(body.Urgency), uint8(body.TTLMinutes))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleChirpConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Nonce string `json:"nonce"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Chirp.Confirm(body.Nonce); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleChirpDismiss(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Nonce string `json:"nonce"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Chirp.Dismiss(body.Nonce); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleChirpMute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DurationMinutes int `json:"duration_minutes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Chirp.Mute(body.DurationMinutes); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleChirpUnmute(w http.ResponseWriter, r *http.Request) {
	s.cfg.Chirp.Unmute()
	writeOK(w, nil)
}

func (s *Server) handleChirpSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RelayEnabled  *bool   `json:"relay_enabled"`
		UrgencyFilter *string `json:"urgency_filter"`
	}
	if err := validateAndDecode(r, s.schemas.chirpSettings, &body); err != nil {
		writeError(w, err)
		return
	}

	var filter *chirp.Urgency
	if body.UrgencyFilter != nil {
		u := chirp.Urgency(*body.UrgencyFilter)
		filter = &u
	}

	settings, err := s.cfg.Chirp.SetSettings(body.RelayEnabled, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"settings": settings})
}
