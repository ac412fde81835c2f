package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"manufacturing-priority-engine/internal/archive"
	"manufacturing-priority-engine/internal/broker"
	"manufacturing-priority-engine/internal/config"
	"manufacturing-priority-engine/internal/consumer"
	"manufacturing-priority-engine/internal/priority"
	"manufacturing-priority-engine/internal/store"
	"manufacturing-priority-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "engine"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	b := broker.New(cfg, log)
	if err := b.Connect(ctx); err != nil {
		// Startup must not proceed without the broker.
		log.Error("connect broker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if archiver, err := archive.NewS3Archiver(ctx, cfg); err != nil {
		log.Error("init dead-letter archive", slog.String("error", err.Error()))
		os.Exit(1)
	} else if archiver != nil {
		b.SetArchiver(archiver)
		log.Info("dead-letter archive enabled", slog.String("bucket", cfg.ArchiveS3Bucket))
	}

	svc := priority.New(st, b, log).WithLimits(cfg.QueueLimit, cfg.OptimizeLimit)
	handlers := consumer.NewHandlers(svc, st, b, log)
	manager := consumer.NewManager(b, handlers, log)

	if err := manager.StartAll(ctx); err != nil {
		log.Error("start consumers", slog.String("error", err.Error()))
		// Partial initialization: StopAll is safe here and releases whatever
		// was started.
		_ = manager.StopAll(context.Background())
		os.Exit(1)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	log.Info("engine started",
		slog.String("metrics_addr", cfg.MetricsAddr),
		slog.Int("handler_max_attempts", cfg.HandlerMaxAttempts))

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := manager.StopAll(shutdownCtx); err != nil {
		log.Error("shutdown", slog.String("error", err.Error()))
	}
	log.Info("engine stopped")
}
