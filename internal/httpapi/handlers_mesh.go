package httpapi

import (
	"net/http"

	"canaryd/internal/mesh"
)

// peerJSON adds the hex fingerprint to the peer's JSON view.
type peerJSON struct {
	Fingerprint string `json:"fingerprint"`
	mesh.Peer
}

func (s *Server) handleMeshStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		mesh.Status
	}{true, s.cfg.Mesh.Status()})
}

func (s *Server) handleMeshPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.cfg.Mesh.Peers()
	out := make([]peerJSON, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerJSON{Fingerprint: p.FingerprintHex(), Peer: p})
	}
	writeOK(w, map[string]any{"peers": out})
}

func (s *Server) handleMeshAlerts(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"alerts": s.cfg.Mesh.Alerts()})
}

func (s *Server) handleMeshClearAlerts(w http.ResponseWriter, r *http.Request) {
	s.cfg.Mesh.ClearAlerts()
	writeOK(w, nil)
}

func (s *Server) handleMeshPairStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Mesh.StartPairing(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"pairing": s.cfg.Mesh.PairingStatus()})
}

func (s *Server) handleMeshPairJoin(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Mesh.JoinPairing(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"pairing": s.cfg.Mesh.PairingStatus()})
}

func (s *Server) handleMeshPairConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Mesh.ConfirmPairing(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"pairing": s.cfg.Mesh.PairingStatus()})
}

func (s *Server) handleMeshPairCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Mesh.CancelPairing(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleMeshName(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Mesh.SetName(body.Name); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"name": body.Name})
}

func (s *Server) handleMeshLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Mesh.Leave(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleMeshRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Mesh.RemovePeer(body.Fingerprint); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleMeshEnable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	// Absent field means enable; the dashboard's toggle always sends it.
	if body.Enabled == nil || *body.Enabled {
		s.cfg.Mesh.Enable()
	} else {
		s.cfg.Mesh.Disable()
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		mesh.Status
	}{true, s.cfg.Mesh.Status()})
}
