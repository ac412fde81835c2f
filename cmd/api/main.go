package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"manufacturing-priority-engine/internal/api"
	"manufacturing-priority-engine/internal/broker"
	"manufacturing-priority-engine/internal/config"
	"manufacturing-priority-engine/internal/priority"
	"manufacturing-priority-engine/internal/ratelimit"
	"manufacturing-priority-engine/internal/store"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
		log.Error("connect broker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		_ = b.Close(context.Background())
	}()

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	svc := priority.New(st, b, log).WithLimits(cfg.QueueLimit, cfg.OptimizeLimit)
	server := api.New(cfg, svc, b, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", slog.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
