// Command galion is the headless download-engine server: it wires the
// queue manager, platform registry, download engine, worker pool, control
// API, and background reaper/adviser loops into one long-running process,
// in the shape of the teacher's Wails desktop bootstrap (internal/core
// engine construction in app.go) generalised to a server process with no
// GUI shell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"galion/internal/analytics"
	"galion/internal/api"
	"galion/internal/broadcast"
	"galion/internal/config"
	"galion/internal/credential"
	"galion/internal/download"
	"galion/internal/filesystem"
	"galion/internal/logger"
	"galion/internal/network"
	"galion/internal/platform"
	"galion/internal/queue"
	"galion/internal/security"
	"galion/internal/storage"
	"galion/internal/worker"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "speedtest" {
		runSpeedTest()
		return
	}

	cfg := config.Load()

	log, err := logger.New(os.Stdout, cfg.LogJSONPath, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "galion: logger init failed: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("galion: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queueMgr, err := queue.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("queue connect: %w", err)
	}

	mirror, err := storage.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("mirror open: %w", err)
	}
	defer mirror.Close()

	if err := os.MkdirAll(cfg.DownloadsRoot, 0755); err != nil {
		return fmt.Errorf("downloads root: %w", err)
	}
	organizer := filesystem.NewOrganizer(cfg.DownloadsRoot)

	bandwidth := network.NewBandwidthManager()
	if cfg.BandwidthLimitBps > 0 {
		bandwidth.SetLimit(int(cfg.BandwidthLimitBps))
	}

	engine := download.New(bandwidth, download.GenericUserAgent)
	engine.SetScanner(security.NewScanner(log, cfg.Scanner))

	var creds credential.Source
	if cfg.CredentialStoreEndpoint != "" {
		creds = credential.NewRemoteSource(cfg.CredentialStoreEndpoint)
	} else {
		creds = credential.NewEnvSource()
	}

	registry, err := platform.NewDefaultRegistry(engine, organizer, creds, cfg.ExternalExtractorPath)
	if err != nil {
		return fmt.Errorf("registry bootstrap: %w", err)
	}

	congestion := network.NewCongestionController(2, 20)
	broadcaster := broadcast.New()

	pool := worker.New(queueMgr, registry, broadcaster, mirror, congestion, log)
	pool.Scale(cfg.WorkerCount)
	defer pool.Stop()

	adviser := worker.NewAdviser(pool, queueMgr, congestion, cfg.MinWorkerCount, cfg.MaxWorkerCount, cfg.AdviserInterval, log)
	go adviser.Run(ctx)

	reaper := queue.NewReaper(queueMgr, cfg.ReaperInterval, cfg.ReaperStaleAfter, log)
	go reaper.Run(ctx)

	audit, err := security.NewAuditLogger(log, "./galion-access.log")
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	defer audit.Close()

	stats := analytics.NewStatsManager(mirror, cfg.DownloadsRoot)
	control := api.NewControlServer(queueMgr, stats, audit, log, cfg.ControlToken, cfg.MaxConcurrentRequests)

	errCh := make(chan error, 1)
	go func() {
		errCh <- control.Start(ctx, cfg.ControlAddr)
	}()

	log.Info("galion started", "control_addr", cfg.ControlAddr, "workers", cfg.WorkerCount)

	select {
	case <-ctx.Done():
		log.Info("galion: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
	}

	return nil
}

func runSpeedTest() {
	result, err := network.RunSpeedTestWithEvents(func(phase network.SpeedTestPhase) {
		fmt.Printf("[%s] ping=%dms down=%.2fMbps up=%.2fMbps\n", phase.Phase, phase.PingMs, phase.DownloadMbps, phase.UploadMbps)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "speedtest failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nResult: %.2f Mbps down / %.2f Mbps up, %dms ping (%s via %s)\n",
		result.DownloadSpeed, result.UploadSpeed, result.Ping, result.ISP, result.ServerName)
}
