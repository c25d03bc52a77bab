package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"canaryd/internal/chain"
	"canaryd/internal/errcode"
	"canaryd/internal/eventlog"
	"canaryd/internal/sysinfo"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	seq, tip := s.cfg.Chain.Tip()
	sys := s.cfg.Sys.Snapshot()

	cameraReady := false
	if s.cfg.Preview != nil {
		cameraReady = s.cfg.Preview.Status().CameraReady
	}

	writeOK(w, map[string]any{
		"device_id":      s.cfg.Identity.FingerprintHex(),
		"uptime_sec":     uint64(s.now().Sub(s.startedAt).Seconds()),
		"witness_count":  s.cfg.Chain.Count(),
		"chain_seq":      seq,
		"tip":            hex.EncodeToString(tip[:]),
		"boot_count":     s.cfg.BootCount,
		"free_heap":      sys.Memory.Heap.Free,
		"sd_free":        sys.Storage.FreeBytes,
		"sd_used":        sys.Storage.UsedBytes,
		"sd_total":       sys.Storage.TotalBytes,
		"sd_mounted":     sys.Storage.Mounted,
		"fingerprint":    s.cfg.Identity.FingerprintHex(),
		"pubkey":         s.cfg.Identity.PublicKeyHex(),
		"firmware":       FirmwareVersion,
		"gps":            nil,
		"crypto_healthy": s.cfg.Chain.Healthy(),
		"unacked_count":  s.cfg.Events.UnackedCount(),
		"camera_ready":   cameraReady,
	})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		sysinfo.Snapshot
	}{true, s.cfg.Sys.Snapshot()})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	records := s.cfg.Chain.Recent(16)
	blocks := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		blocks = append(blocks, map[string]any{
			"seq":  rec.Seq,
			"hash": hex.EncodeToString(rec.Hash[:]),
		})
	}
	writeOK(w, map[string]any{"blocks": blocks})
}

func (s *Server) handleWitness(w http.ResponseWriter, r *http.Request) {
	records := s.cfg.Chain.Recent(50)
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"seq":         rec.Seq,
			"time_bucket": rec.TimeBucket,
			"type":        fmt.Sprintf("0x%04x", rec.Type),
			"payload":     hex.EncodeToString(rec.Payload),
			"prev_hash":   hex.EncodeToString(rec.PrevHash[:]),
			"hash":        hex.EncodeToString(rec.Hash[:]),
			"sig":         hex.EncodeToString(rec.Sig[:]),
		})
	}
	writeOK(w, map[string]any{"records": out})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	seq, tip := s.cfg.Chain.Tip()
	if seq == 0 {
		writeError(w, errcode.New(errcode.CodeNotFound, "chain is empty"))
		return
	}
	if !s.cfg.Chain.Healthy() {
		writeError(w, errcode.New(errcode.CodeChainBroken, "chain verification failed"))
		return
	}

	if err := os.MkdirAll(s.cfg.ExportDir, 0o755); err != nil {
		writeError(w, errcode.Wrap(err, errcode.CodeStorageUnavailable, "create export directory"))
		return
	}

	name := fmt.Sprintf("export_%d_%d.cnry", seq, s.now().Unix())
	path := filepath.Join(s.cfg.ExportDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		writeError(w, errcode.Wrap(err, errcode.CodeStorageUnavailable, "create export file"))
		return
	}
	if err := s.cfg.Chain.ExportRange(f, 1, seq); err != nil {
		f.Close()
		os.Remove(path)
		writeError(w, err)
		return
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		writeError(w, errcode.Wrap(err, errcode.CodeStorageUnavailable, "flush export file"))
		return
	}

	writeOK(w, map[string]any{
		"download_url": "/api/export/" + name,
		"record_count": seq,
		"tip":          hex.EncodeToString(tip[:]),
	})
}

func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".cnry") {
		writeError(w, errcode.New(errcode.CodeBadRequest, "invalid export name"))
		return
	}
	path := filepath.Join(s.cfg.ExportDir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, errcode.New(errcode.CodeNotFound, "export not found"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	http.ServeFile(w, r, path)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	unacked := r.URL.Query().Get("unacked") == "true"
	entries := s.cfg.Events.List(eventlog.Filter{
		UnackedOnly: unacked,
		Limit:       100,
	})
	writeOK(w, map[string]any{
		"entries":       entries,
		"unacked_count": s.cfg.Events.UnackedCount(),
	})
}

func (s *Server) handleLogAck(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, errcode.New(errcode.CodeBadRequest, "invalid sequence number"))
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	if err := s.cfg.Events.Ack(seq, body.Reason); err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			writeError(w, errcode.New(errcode.CodeNotFound, "no such entry"))
			return
		}
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleLogAckAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level  int    `json:"level"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	count, err := s.cfg.Events.AckAll(body.Level, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"acked_count": count})
}

func (s *Server) handleLogRotate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxAgeDays int `json:"max_age_days"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.MaxAgeDays <= 0 {
		writeError(w, errcode.New(errcode.CodeBadRequest, "max_age_days must be positive"))
		return
	}

	deleted, err := s.cfg.Events.Rotate(body.MaxAgeDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"deleted_count": deleted})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecordIntervalMs *int    `json:"record_interval_ms"`
		TimeBucketMs     *int    `json:"time_bucket_ms"`
		LogLevel         *string `json:"log_level"`
	}
	if err := validateAndDecode(r, s.schemas.deviceConfig, &body); err != nil {
		writeError(w, err)
		return
	}

	interval, bucket, level := -1, -1, ""
	if body.RecordIntervalMs != nil {
		interval = *body.RecordIntervalMs
	}
	if body.TimeBucketMs != nil {
		bucket = *body.TimeBucketMs
	}
	if body.LogLevel != nil {
		level = *body.LogLevel
	}

	if s.cfg.ApplyConfig != nil {
		if err := s.cfg.ApplyConfig(interval, bucket, level); err != nil {
			writeError(w, err)
			return
		}
	}
	if bucket > 0 {
		s.cfg.Chain.SetBucketWidth(uint64(bucket))
	}

	payload, _ := json.Marshal(body)
	if _, err := s.cfg.Chain.Append(chain.TypeConfigChange, payload); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	_, _ = s.cfg.Events.Append(eventlog.LevelInfo, "device", "reboot requested", "")
	writeOK(w, nil)
	if s.cfg.Reboot != nil {
		go s.cfg.Reboot()
	}
}
