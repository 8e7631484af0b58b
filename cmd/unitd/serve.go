package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/unitd"
	"github.com/loykin/unitd/internal/logger"
)

func runServe(ctx context.Context, cfgPath string, flags ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if flags.Daemonize {
		if err := daemonize(flags.LogFile); err != nil {
			return err
		}
	}
	cfg, err := unitd.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if flags.PidFile != "" {
		pf, err := acquirePidFile(flags.PidFile, os.Getpid())
		if err != nil {
			return err
		}
		defer func() { _ = pf.release() }()
	}

	if cfg.Metrics.Listen != "" {
		if err := unitd.RegisterMetricsDefault(); err != nil {
			slog.Warn("failed to register metrics", "err", err)
		}
		srv := unitd.ServeMetrics(cfg.Metrics.Listen)
		defer func() { _ = srv.Close() }()
		slog.Info("serving metrics", "listen", cfg.Metrics.Listen)
	}

	m, err := unitd.New(cfg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Listen != "" {
		if err := m.RegisterProcessMetrics(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("failed to register process metrics", "err", err)
		}
	}
	if cfg.Server.Listen != "" {
		srv, err := unitd.NewHTTPServer(cfg.Server, m)
		if err != nil {
			_ = m.Close()
			return err
		}
		defer func() { _ = srv.Close() }()
		slog.Info("serving status API", "listen", cfg.Server.Listen, "base", cfg.Server.BasePath, "tls", cfg.Server.TLS.Enabled)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, m)

	return m.Run(ctx)
}

// reloadOnHangup re-reads unit files on SIGHUP.
func reloadOnHangup(ctx context.Context, m *unitd.Manager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading unit files")
			if err := m.DaemonReload(ctx); err != nil {
				slog.Error("daemon reload failed", "err", err)
			}
		}
	}
}
