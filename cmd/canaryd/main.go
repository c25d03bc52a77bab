// Command canaryd runs the Canary witness appliance daemon: the
// hash-chained witness ledger, the operator HTTP API, and the mesh,
// chirp, RF-presence, Wi-Fi, Bluetooth and camera-preview subsystems.
//
// Usage:
//
//	canaryd [flags]
//
// Flags:
//
//	-config path   Configuration file (default $CANARYD_CONFIG or
//	               <data-dir>/canaryd.toml)
//	-data path     Data directory override
//	-listen addr   HTTP listen address override
//	-version       Print version and exit
//
// The daemon creates its identity, configuration and ledger on first
// boot. Send SIGINT or SIGTERM for a clean shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"canaryd/internal/bluetooth"
	"canaryd/internal/chain"
	"canaryd/internal/chirp"
	"canaryd/internal/clock"
	"canaryd/internal/config"
	"canaryd/internal/eventlog"
	"canaryd/internal/httpapi"
	"canaryd/internal/identity"
	"canaryd/internal/kv"
	"canaryd/internal/logging"
	"canaryd/internal/mesh"
	"canaryd/internal/metrics"
	"canaryd/internal/netsup"
	"canaryd/internal/preview"
	"canaryd/internal/rfpresence"
	"canaryd/internal/sysinfo"
	"canaryd/internal/walog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "configuration file path")
		dataDir     = flag.String("data", "", "data directory override")
		listen      = flag.String("listen", "", "HTTP listen address override")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("canaryd %s (commit %s, built %s)\n", version, commit, buildTime)
		return
	}

	if err := run(*configPath, *dataDir, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "canaryd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, listen string) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	cfg, created, err := config.LoadOrCreate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnvOverrides()
	if dataDir != "" {
		cfg.Device.DataDir = dataDir
	}
	if listen != "" {
		cfg.HTTP.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	logging.SetDefault(log)
	log.Info("starting", "version", version, "config", configPath, "config_created", created)

	dir := cfg.Device.DataDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	exportDir := filepath.Join(dir, "exports")
	if err := os.MkdirAll(exportDir, 0700); err != nil {
		return fmt.Errorf("export dir: %w", err)
	}

	id, idCreated, err := identity.LoadOrCreate(filepath.Join(dir, "identity.bin"), machineBinding())
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if idCreated {
		log.Info("identity created", "fingerprint", id.FingerprintHex())
	}

	sealKey, err := id.DeriveKey("kv")
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}
	store, err := kv.Open(filepath.Join(dir, "settings.kv"), sealKey)
	if err != nil {
		return fmt.Errorf("kv store: %w", err)
	}

	clk := clock.New()

	wlog, err := walog.Open(filepath.Join(dir, "witness.log"))
	if err != nil {
		return fmt.Errorf("witness log: %w", err)
	}
	defer wlog.Close()

	ch, err := chain.Open(wlog, id, clk, uint64(cfg.Witness.TimeBucketMs), httpapi.FirmwareVersion)
	if err != nil {
		return fmt.Errorf("witness chain: %w", err)
	}

	events, err := eventlog.Open(
		filepath.Join(dir, "events.log"),
		filepath.Join(dir, "events.ack"),
		int64(cfg.Witness.EventBudgetBytes),
		clk,
	)
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}

	bootCount := store.GetUint64("boot_count", 0) + 1
	if err := store.SetUint64("boot_count", bootCount); err != nil {
		return fmt.Errorf("boot count: %w", err)
	}
	bootPayload, _ := json.Marshal(map[string]any{
		"boot_count": bootCount,
		"firmware":   httpapi.FirmwareVersion,
	})
	if _, err := ch.Append(chain.TypeBoot, bootPayload); err != nil {
		log.Error("boot record append failed", "error", err)
	}
	events.Append(eventlog.LevelInfo, "system", "device booted",
		fmt.Sprintf("boot %d, firmware %s", bootCount, httpapi.FirmwareVersion))

	m := metrics.New()

	radio, err := newLANRadio(log)
	if err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	defer radio.Close()

	channelKey, _ := store.GetSealed("mesh.channel_key")
	meshEng, err := mesh.New(mesh.Config{
		Identity:   id,
		Transport:  meshTransport{radio},
		Events:     events,
		Witness:    ch.Append,
		Clock:      clk,
		Logger:     log,
		TablePath:  filepath.Join(dir, "mesh_peers.tbl"),
		DeviceName: cfg.Device.Name,
		ChannelKey: channelKey,
		Enabled:    cfg.Mesh.Enabled,
	})
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}

	chirpSettings := chirp.DefaultSettings()
	chirpSettings.RelayEnabled = cfg.Chirp.RelayEnabled
	chirpEng := chirp.New(chirp.Config{
		Radio:    chirpBroadcaster{radio},
		Events:   events,
		Clock:    clk,
		Logger:   log,
		Settings: chirpSettings,
	})
	if cfg.Chirp.Enabled {
		if _, err := chirpEng.Enable(); err != nil {
			log.Warn("chirp enable failed", "error", err)
		}
	}

	rfEng := rfpresence.New(func(t rfpresence.Transition) {
		events.Append(eventlog.LevelInfo, "rf",
			fmt.Sprintf("presence %s -> %s", t.From, t.To), "")
	})

	netEng := netsup.New(netsup.Config{
		Radio:          hostWifi{},
		Store:          store,
		Events:         events,
		Logger:         log,
		APSSID:         cfg.Wifi.APSSID,
		ConnectTimeout: time.Duration(cfg.Wifi.ConnectTimeoutSec) * time.Second,
	})

	btEng, err := bluetooth.New(bluetooth.Config{
		Controller: noBLE{},
		Store:      store,
		Events:     events,
		Clock:      clk,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("bluetooth: %w", err)
	}

	previewEng := preview.New(preview.Config{
		Camera:        noCamera{},
		Logger:        log,
		Resolution:    preview.Resolution(cfg.Preview.Resolution),
		FrameInterval: time.Duration(cfg.Preview.FrameIntervalMs) * time.Millisecond,
	})

	sys := sysinfo.New(sysinfo.Providers{
		TempC: hostTempC,
		Mem:   hostMem,
		Dev:   hostDev,
	}, dir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rebootCtx, requestReboot := context.WithCancel(ctx)
	defer requestReboot()

	loader := config.NewLoader(configPath)
	if _, err := loader.Load(); err != nil {
		log.Warn("config loader", "error", err)
	}

	srv, err := httpapi.New(httpapi.Config{
		Identity:  id,
		Chain:     ch,
		Events:    events,
		Store:     store,
		Mesh:      meshEng,
		Chirp:     chirpEng,
		RF:        rfEng,
		Net:       netEng,
		BT:        btEng,
		Preview:   previewEng,
		Sys:       sys,
		Metrics:   m,
		Logger:    log,
		Conf:      cfg,
		ExportDir: exportDir,
		BootCount: bootCount,
		ApplyConfig: func(recordIntervalMs, timeBucketMs int, logLevel string) error {
			return applyConfig(cfg, configPath, recordIntervalMs, timeBucketMs, logLevel)
		},
		Reboot: func() {
			log.Warn("reboot requested")
			requestReboot()
		},
	})
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv.Router(),
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rebootCtx)

	g.Go(func() error {
		log.Info("http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		return radio.receiveLoop(gctx, meshEng, chirpEng)
	})

	// Subsystem tick loops.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				meshEng.Tick(now)
				chirpEng.Tick()
				rfEng.Tick(now)
				netEng.Tick(now)
				btEng.Tick(now)

				m.MeshPeers.Set(float64(len(meshEng.Peers())))
				m.WifiRSSI.Set(float64(netEng.Status().RSSI))
				persistChannelKey(store, meshEng, &channelKey, log)
			}
		}
	})

	// Hardware sampling.
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := sys.Sample(); err != nil {
					log.Debug("temperature sample", "error", err)
					continue
				}
				m.TempCelsius.Set(sys.Snapshot().Temperature.Celsius.Current)
			}
		}
	})

	// Periodic heartbeat witness records.
	g.Go(func() error {
		return heartbeatLoop(gctx, ch, clk, cfg, log)
	})

	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
	} else {
		defer loader.Close()
		loader.OnChange(func(next *config.Config) {
			log.Info("configuration reloaded",
				"record_interval_ms", next.Witness.RecordIntervalMs,
				"log_level", next.Logging.Level)
			cfg.Witness.RecordIntervalMs = next.Witness.RecordIntervalMs
			if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
				swapLogLevel(cfg, lvl)
			}
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case err := <-loader.Errors():
					log.Warn("config reload rejected", "error", err)
				}
			}
		})
	}

	err = g.Wait()
	events.Append(eventlog.LevelInfo, "system", "shutting down", "")
	log.Info("stopped")
	return err
}

// heartbeatLoop appends a heartbeat witness record on the configured
// cadence. Interval changes apply on the next tick.
func heartbeatLoop(ctx context.Context, ch *chain.Engine, clk *clock.Clock, cfg *config.Config, log *logging.Logger) error {
	for {
		interval := time.Duration(cfg.Witness.RecordIntervalMs) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		payload, _ := json.Marshal(map[string]any{
			"uptime_sec": clk.NowMono() / 1000,
		})
		if _, err := ch.Append(chain.TypeHeartbeat, payload); err != nil {
			log.Error("heartbeat append failed", "error", err)
			if !ch.Healthy() {
				// A broken chain latches; stop producing records.
				return nil
			}
		}
	}
}

// persistChannelKey seals the flock key into KV when pairing changes it.
func persistChannelKey(store *kv.Store, e *mesh.Engine, last *[]byte, log *logging.Logger) {
	key := e.ChannelKey()
	if len(key) == 0 || string(key) == string(*last) {
		return
	}
	if err := store.SetSealed("mesh.channel_key", key); err != nil {
		log.Error("channel key persist failed", "error", err)
		return
	}
	*last = key
}

func applyConfig(cfg *config.Config, path string, recordIntervalMs, timeBucketMs int, logLevel string) error {
	if recordIntervalMs > 0 {
		cfg.Witness.RecordIntervalMs = recordIntervalMs
	}
	if timeBucketMs > 0 {
		cfg.Witness.TimeBucketMs = timeBucketMs
	}
	if logLevel != "" {
		lvl, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		cfg.Logging.Level = logLevel
		swapLogLevel(cfg, lvl)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return cfg.Save(path)
}

// swapLogLevel rebuilds the default logger at the new level. Engines keep
// their derived loggers; new output honors the change.
func swapLogLevel(cfg *config.Config, lvl logging.Level) {
	lc := cfg.Logging
	lc.Level = levelName(lvl)
	if l, err := buildLogger(lc); err == nil {
		logging.SetDefault(l)
	}
}

func levelName(lvl logging.Level) string {
	switch lvl {
	case logging.LevelDebug:
		return "debug"
	case logging.LevelWarn:
		return "warn"
	case logging.LevelError:
		return "error"
	default:
		return "info"
	}
}

func buildLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	lvl, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if lc.Format == "json" {
		format = logging.FormatJSON
	}
	return logging.New(&logging.Config{
		Level:     lvl,
		Format:    format,
		Output:    lc.Output,
		FilePath:  lc.FilePath,
		Component: "canaryd",
	})
}
