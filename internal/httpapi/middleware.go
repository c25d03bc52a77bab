package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// requestID assigns each request a UUID, echoed in X-Request-ID.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// recoverer converts handler panics into the failure envelope. The
// dispatcher must never see a panic.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec))
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"ok":    false,
					"error": "internal",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog logs one line per request at debug, warnings for 5xx.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		}
		if ww.Status() >= 500 {
			s.log.Warn("request failed", attrs...)
		} else {
			s.log.Debug("request", attrs...)
		}
	})
}

// instrument records request counts and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := routeLabel(r.URL.Path)
		s.cfg.Metrics.HTTPRequests.
			WithLabelValues(r.Method, route, statusClass(ww.Status())).Inc()
		s.cfg.Metrics.HTTPDuration.
			WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// bodyLimit caps JSON request bodies. The MJPEG stream and export download
// are GETs and unaffected.
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			max := int64(4096)
			if s.cfg.Conf != nil && s.cfg.Conf.HTTP.MaxBodyBytes > 0 {
				max = s.cfg.Conf.HTTP.MaxBodyBytes
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

// routeLabel collapses path parameters so the metric cardinality stays
// bounded.
func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if isNumeric(p) || strings.HasSuffix(p, ".cnry") {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
