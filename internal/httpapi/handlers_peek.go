package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"canaryd/internal/errcode"
	"canaryd/internal/preview"
)

func (s *Server) handlePeekStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK          bool                 `json:"ok"`
		Resolutions []preview.Resolution `json:"resolutions"`
		preview.Status
	}{true, preview.Resolutions(), s.cfg.Preview.Status()})
}

// handlePeekStream serves the single MJPEG slot. Frames are never
// persisted; the multipart stream is the only place they exist outside
// the camera.
func (s *Server) handlePeekStream(w http.ResponseWriter, r *http.Request) {
	sub, err := s.cfg.Preview.Subscribe()
	if err != nil {
		if errors.Is(err, preview.ErrSlotBusy) {
			writeError(w, errcode.New(errcode.CodeBusy, "preview slot in use"))
			return
		}
		writeError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errcode.New(errcode.CodeInternal, "streaming unsupported"))
		return
	}

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w,
				"--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
				len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.PreviewFramesSent.Inc()
			}
		}
	}
}

func (s *Server) handlePeekSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, err := s.cfg.Preview.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(frame)
}

func (s *Server) handlePeekStop(w http.ResponseWriter, r *http.Request) {
	s.cfg.Preview.Stop()
	writeOK(w, nil)
}

func (s *Server) handlePeekResolution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Preview.SetResolution(preview.Resolution(body.Resolution)); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"resolution": body.Resolution})
}
