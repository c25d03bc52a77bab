// Package httpapi is canaryd's operator-facing control plane: a chi router
// over the subsystem engines, JSON everywhere except the MJPEG stream and
// the chain export download.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"canaryd/internal/bluetooth"
	"canaryd/internal/chain"
	"canaryd/internal/chirp"
	"canaryd/internal/config"
	"canaryd/internal/eventlog"
	"canaryd/internal/identity"
	"canaryd/internal/kv"
	"canaryd/internal/logging"
	"canaryd/internal/mesh"
	"canaryd/internal/metrics"
	"canaryd/internal/netsup"
	"canaryd/internal/preview"
	"canaryd/internal/rfpresence"
	"canaryd/internal/sysinfo"
)

// FirmwareVersion is what /api/status reports; nothing else hard-codes it.
const FirmwareVersion = "3.1.0"

// mutateMinInterval is the per-endpoint floor between mutating requests.
const mutateMinInterval = 200 * time.Millisecond

// Config wires the server's collaborators. Any nil engine disables its
// endpoint family with NotFound rather than panicking.
type Config struct {
	Identity *identity.Identity
	Chain    *chain.Engine
	Events   *eventlog.Log
	Store    *kv.Store
	Mesh     *mesh.Engine
	Chirp    *chirp.Engine
	RF       *rfpresence.Engine
	Net      *netsup.Supervisor
	BT       *bluetooth.Engine
	Preview  *preview.Engine
	Sys      *sysinfo.Monitor
	Metrics  *metrics.Set
	Logger   *logging.Logger
	Conf     *config.Config

	// ExportDir receives export files for the download URL to serve.
	ExportDir string

	// BootCount is read once at startup from KV.
	BootCount uint64

	// ApplyConfig applies a device-config change (interval, bucket,
	// log level) and persists it. Wired by cmd/canaryd.
	ApplyConfig func(recordIntervalMs, timeBucketMs int, logLevel string) error

	// Reboot schedules a device restart after the response is written.
	Reboot func()

	// Now is the wall clock; tests may override.
	Now func() time.Time
}

// Server handles the HTTP API.
type Server struct {
	cfg Config
	log *logging.Logger

	startedAt time.Time
	now       func() time.Time

	// lastMutate tracks the most recent mutating request per route.
	mu         sync.Mutex
	lastMutate map[string]time.Time

	schemas *schemaSet
}

// New builds the server and compiles its request schemas.
func New(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:        cfg,
		log:        log.WithComponent("http"),
		startedAt:  now(),
		now:        now,
		lastMutate: make(map[string]time.Time),
		schemas:    schemas,
	}, nil
}

// Router builds the chi routing tree with the middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"ok":    false,
			"error": "not_found",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"ok":    false,
			"error": "bad_request",
		})
	})

	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.accessLog)
	r.Use(s.instrument)
	r.Use(s.bodyLimit)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/system", s.handleSystem)
		r.Get("/chain", s.handleChain)
		r.Get("/witness", s.handleWitness)

		r.Post("/export", s.mutating(s.handleExport))
		r.Get("/export/{name}", s.handleExportDownload)

		r.Get("/logs", s.handleLogs)
		r.Post("/logs/{seq}/ack", s.mutating(s.handleLogAck))
		r.Post("/logs/ack-all", s.mutating(s.handleLogAckAll))
		r.Post("/logs/rotate", s.mutating(s.handleLogRotate))

		r.Get("/wifi", s.handleWifiStatus)
		r.Post("/wifi/scan", s.mutating(s.handleWifiScan))
		r.Post("/wifi/connect", s.mutating(s.handleWifiConnect))
		r.Post("/wifi/disconnect", s.mutating(s.handleWifiDisconnect))
		r.Post("/wifi/forget", s.mutating(s.handleWifiForget))

		r.Get("/bluetooth", s.handleBTStatus)
		r.Get("/bluetooth/settings", s.handleBTSettings)
		r.Get("/bluetooth/paired", s.handleBTPaired)
		r.Post("/bluetooth/enable", s.mutating(s.handleBTEnable))
		r.Post("/bluetooth/disable", s.mutating(s.handleBTDisable))
		r.Post("/bluetooth/advertise/start", s.mutating(s.handleBTAdvertiseStart))
		r.Post("/bluetooth/advertise/stop", s.mutating(s.handleBTAdvertiseStop))
		r.Post("/bluetooth/pair/start", s.mutating(s.handleBTPairStart))

		r.Get("/mesh", s.handleMeshStatus)
		r.Get("/mesh/peers", s.handleMeshPeers)
		r.Get("/mesh/alerts", s.handleMeshAlerts)
		r.Delete("/mesh/alerts", s.mutating(s.handleMeshClearAlerts))
		r.Post("/mesh/pair/start", s.mutating(s.handleMeshPairStart))
		r.Post("/mesh/pair/join", s.mutating(s.handleMeshPairJoin))
		r.Post("/mesh/pair/confirm", s.mutating(s.handleMeshPairConfirm))
		r.Post("/mesh/pair/cancel", s.mutating(s.handleMeshPairCancel))
		r.Post("/mesh/name", s.mutating(s.handleMeshName))
		r.Post("/mesh/leave", s.mutating(s.handleMeshLeave))
		r.Post("/mesh/remove", s.mutating(s.handleMeshRemove))
		r.Post("/mesh/enable", s.mutating(s.handleMeshEnable))

		r.Get("/chirp", s.handleChirpStatus)
		r.Get("/chirp/recent", s.handleChirpRecent)
		r.Get("/chirp/nearby", s.handleChirpNearby)
		r.Post("/chirp/enable", s.mutating(s.handleChirpEnable))
		r.Post("/chirp/disable", s.mutating(s.handleChirpDisable))
		r.Post("/chirp/send", s.mutating(s.handleChirpSend))
		r.Post("/chirp/confirm", s.mutating(s.handleChirpConfirm))
		r.Post("/chirp/dismiss", s.mutating(s.handleChirpDismiss))
		r.Post("/chirp/mute", s.mutating(s.handleChirpMute))
		r.Post("/chirp/unmute", s.mutating(s.handleChirpUnmute))
		r.Post("/chirp/settings", s.mutating(s.handleChirpSettings))

		r.Get("/rf/status", s.handleRFStatus)
		r.Get("/rf/settings", s.handleRFSettings)
		r.Post("/rf/enable", s.mutating(s.handleRFEnable))
		r.Post("/rf/disable", s.mutating(s.handleRFDisable))
		r.Post("/rf/rotate", s.mutating(s.handleRFRotate))
		r.Post("/rf/settings", s.mutating(s.handleRFSetSettings))

		r.Get("/peek/status", s.handlePeekStatus)
		r.Get("/peek/stream", s.handlePeekStream)
		r.Get("/peek/snapshot", s.handlePeekSnapshot)
		r.Post("/peek/stop", s.mutating(s.handlePeekStop))
		r.Post("/peek/resolution", s.mutating(s.handlePeekResolution))

		r.Post("/config", s.mutating(s.handleConfig))
		r.Post("/reboot", s.mutating(s.handleReboot))
	})

	if s.cfg.Metrics != nil {
		r.Method("GET", "/metrics", s.cfg.Metrics.Handler())
	}

	return r
}

// mutating enforces the per-endpoint request floor. The dashboard polls
// read endpoints freely; writes are operator actions and never legitimate
// at sub-200ms cadence.
func (s *Server) mutating(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		now := s.now()

		s.mu.Lock()
		last, seen := s.lastMutate[key]
		if seen && now.Sub(last) < mutateMinInterval {
			s.mu.Unlock()
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"ok":    false,
				"error": "busy",
			})
			return
		}
		s.lastMutate[key] = now
		s.mu.Unlock()

		next(w, r)
	}
}
