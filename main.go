package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hearthsync/config"
	"hearthsync/crdtsync"
	"hearthsync/discovery"
	"hearthsync/document"
	"hearthsync/logging"
	"hearthsync/metrics"
	"hearthsync/models"
	"hearthsync/orchestrator"
	"hearthsync/signaling"
	"hearthsync/storage"
	"hearthsync/transport/wstransport"
)

func main() {
	join := flag.Bool("join", false, "browse for a family on the LAN and request to join it")
	autoApprove := flag.Bool("auto-approve", false, "admin only: approve every join request as a member")
	flag.Parse()

	logger := logging.New(logging.ProfileRuntime, "hearthsync")

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading config")
	}
	dataDir := filepath.Dir(cfgPath)

	tuning, err := config.LoadTuning(config.TuningPath(dataDir))
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading sync.toml")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *join {
		if err := joinFamily(ctx, logger, cfg, cfgPath, tuning); err != nil {
			logger.Fatal().Err(err).Msg("join failed")
		}
		if ctx.Err() != nil {
			return
		}
	}

	if cfg.IsAdmin() {
		if err := ensureFamily(cfg, cfgPath); err != nil {
			logger.Fatal().Err(err).Msg("startup failed while creating family")
		}
	}
	if cfg.FamilyID == "" {
		logger.Fatal().Msg("no family configured: run with -join, or set HEARTHSYNC_ROLE=admin to create one")
	}
	if len(cfg.SyncKey) == 0 {
		logger.Warn().Msg("no sync key configured, peer messages are not signed")
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Family:          %s (%s)\n", cfg.FamilyName, cfg.FamilyID)
	fmt.Printf("Role:            %s\n", cfg.Role)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("database close error")
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	metrics.Register()
	if cfg.MetricsAddress != "" {
		metricsServer := serveMetrics(logger, cfg.MetricsAddress)
		defer shutdown(metricsServer)
		fmt.Printf("Metrics:         http://%s/metrics\n", cfg.MetricsAddress)
	}

	doc := document.New()
	orch, err := orchestrator.New(orchestrator.Options{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		FamilyID:   cfg.FamilyID,
		AppVersion: cfg.AppVersion,
		SyncKey:    cfg.SyncKey,
		Document:   doc,
		Presence:   document.NewAwareness(doc.ClientID()),
		Transport:  wstransport.New(wstransport.Options{}),
		Store:      store,
		Signaling: signaling.Config{
			ListenAddress: cfg.ListenAddress(),
			RatePerSecond: tuning.SignalingRate,
			RateBurst:     tuning.SignalingBurst,
		},
		Discovery:         discovery.Config{RefreshInterval: tuning.DiscoveryRefresh},
		AuthTimeout:       tuning.AuthTimeout,
		Debounce:          tuning.UpdateDebounce,
		MaxPendingUpdates: tuning.MaxPendingUpdates,
		MaxPendingBytes:   tuning.MaxPendingBytes,
		AwarenessThrottle: tuning.AwarenessThrottle,
		StatusThrottle:    tuning.StatusThrottle,
		PeerCountDebounce: tuning.PeerCountDebounce,
		ConnectAttempts:   tuning.ConnectAttempts,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while building sync")
	}
	defer orch.Destroy()

	logSyncEvents(logger, orch)
	if err := orch.Start(); err != nil {
		logger.Fatal().Err(err).Msg("sync startup failed")
	}
	orch.SetPresence("home", "")
	fmt.Printf("Signaling Port:  %d\n", orch.SignalingPort())

	if cfg.IsAdmin() {
		closeAdmin, err := startFamilyAdmin(logger, cfg, store, *autoApprove)
		if err != nil {
			logger.Error().Err(err).Msg("family admin startup failed")
		} else {
			defer closeAdmin()
		}
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logSyncEvents(logger zerolog.Logger, orch *orchestrator.Orchestrator) {
	orch.OnStatusChange(func(s models.SyncStatus) {
		logger.Info().Str("status", string(s.Status)).Int("peers", s.PeerCount).Msg("sync status")
	})
	orch.OnPeerCountChange(func(n int) {
		logger.Debug().Int("peers", n).Msg("connected peers changed")
	})
	orch.OnPeerDiscovered(func(p models.DiscoveredPeer) {
		logger.Info().Str("peer", p.DeviceID).Str("name", p.DeviceName).Str("host", p.Host).Int("port", p.Port).Msg("peer available")
	})
	orch.OnSyncCompleted(func(ev crdtsync.SyncCompleted) {
		logger.Info().Str("peer", ev.DeviceID).Msg("initial sync completed")
	})
	orch.OnError(func(err error) {
		logger.Debug().Err(err).Msg("sync error")
	})
}

func serveMetrics(logger zerolog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return server
}

func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
