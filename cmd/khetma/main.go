package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"khetmabot/internal/actortoken"
	"khetmabot/internal/config"
	"khetmabot/internal/ratelimit"
	"khetmabot/internal/server"
	"khetmabot/internal/util"
	"khetmabot/pkg/engine"
	"khetmabot/pkg/events"
	"khetmabot/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.NewGormStore(cfg.DatabaseURL)
	} else {
		st, err = store.NewSQLiteStore(cfg.SQLitePath)
	}
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	opts := []engine.Option{}
	var publisher *events.RedisPublisher
	if cfg.RedisAddr != "" && cfg.EventStream != "" {
		publisher, err = events.NewRedisPublisher(events.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventStream,
		})
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		opts = append(opts, engine.WithPublisher(publisher))
	}

	var limiter *ratelimit.ActorLimiter
	if cfg.RedisAddr != "" && cfg.RateLimit > 0 {
		limiter, err = ratelimit.NewActorLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RateLimit, cfg.RateWindowDuration())
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	codec, err := actortoken.New(cfg.TokenSecret, cfg.TokenTTLDuration())
	if err != nil {
		log.Fatalf("failed to init token codec: %v", err)
	}

	httpServer, err := server.New(server.Config{
		Engine:  engine.New(st, opts...),
		Tokens:  codec,
		Limiter: limiter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("khetma server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	if limiter != nil {
		_ = limiter.Close()
	}
	if publisher != nil {
		_ = publisher.Close()
	}
	slog.Info("khetma server stopped")
}
