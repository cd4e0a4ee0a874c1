// Package main provides the chat relay binary: a WebSocket service that
// distributes messages to conversation members and tracks delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatrelay/internal/auth"
	"github.com/cory-johannsen/chatrelay/internal/chat/ack"
	"github.com/cory-johannsen/chatrelay/internal/chat/broadcast"
	"github.com/cory-johannsen/chatrelay/internal/chat/room"
	"github.com/cory-johannsen/chatrelay/internal/chat/session"
	"github.com/cory-johannsen/chatrelay/internal/chatserver"
	"github.com/cory-johannsen/chatrelay/internal/config"
	"github.com/cory-johannsen/chatrelay/internal/observability"
	"github.com/cory-johannsen/chatrelay/internal/server"
	"github.com/cory-johannsen/chatrelay/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat relay",
		zap.String("addr", cfg.Server.Addr()),
	)

	// Connect to PostgreSQL for message persistence.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	messageRepo := postgres.NewMessageRepository(pool.DB())

	verifier := auth.NewVerifier(cfg.Auth)

	// Chat core.
	rooms := room.NewIndex()
	sessions := session.NewRegistry(cfg.Broadcast.OutboxBuffer)
	acks := ack.NewTracker(logger)
	caster := broadcast.NewBroadcaster(rooms, sessions, acks, cfg.Broadcast.AckTimeout, logger)
	sweeper := broadcast.NewSweeper(cfg.Broadcast.SweepInterval, rooms, acks, logger)

	relay := chatserver.NewServer(cfg.Server, chatserver.Deps{
		Verifier: verifier,
		Rooms:    rooms,
		Sessions: sessions,
		Acks:     acks,
		Caster:   caster,
		Store:    messageRepo,
		Logger:   logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Health(r.Context(), 2*time.Second); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: mux,
	}

	// Wire lifecycle.
	lifecycle := server.NewLifecycle(logger)

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	lifecycle.Add("sweeper", &server.FuncService{
		StartFn: func() error {
			sweeper.Start(sweepCtx)
			<-sweepCtx.Done()
			return nil
		},
		StopFn: cancelSweep,
	})

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("http server listening",
				zap.String("addr", cfg.Server.Addr()),
			)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serving on %s: %w", cfg.Server.Addr(), err)
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		},
	})

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	logger.Info("chat relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
