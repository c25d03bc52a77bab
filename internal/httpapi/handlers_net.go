package httpapi

import (
	"errors"
	"net/http"

	"canaryd/internal/bluetooth"
	"canaryd/internal/errcode"
	"canaryd/internal/netsup"
)

func (s *Server) handleWifiStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		netsup.Status
	}{true, s.cfg.Net.Status()})
}

func (s *Server) handleWifiScan(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Net.StartScan(); err != nil {
		if errors.Is(err, netsup.ErrScanInProgress) {
			writeError(w, errcode.New(errcode.CodeBusy, "scan already in progress"))
			return
		}
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"scanning": true})
}

func (s *Server) handleWifiConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SSID string `json:"ssid"`
		PSK  string `json:"psk"`
	}
	if err := validateAndDecode(r, s.schemas.wifiConnect, &body); err != nil {
		writeError(w, err)
		return
	}

	if err := s.cfg.Net.Connect(body.SSID, body.PSK); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"connecting": true})
}

func (s *Server) handleWifiDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Net.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleWifiForget(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Net.Forget(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleBTStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		bluetooth.Status
	}{true, s.cfg.BT.Status()})
}

func (s *Server) handleBTSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK       bool               `json:"ok"`
		Settings bluetooth.Settings `json:"settings"`
	}{true, s.cfg.BT.Settings()})
}

func (s *Server) handleBTPaired(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"devices": s.cfg.BT.Paired()})
}

func (s *Server) handleBTEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.BT.Enable(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleBTDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.BT.Disable(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleBTAdvertiseStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.BT.StartAdvertising(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleBTAdvertiseStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.BT.StopAdvertising(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleBTPairStart(w http.ResponseWriter, r *http.Request) {
	pin, err := s.cfg.BT.StartPairing()
	if err != nil {
		writeError(w, err)
		return
	}
	payload := map[string]any{}
	if pin != "" {
		payload["pin"] = pin
	}
	writeOK(w, payload)
}
