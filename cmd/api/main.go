package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"reportcollab/api/internal/app"
	"reportcollab/api/internal/collab"
	"reportcollab/api/internal/config"
	"reportcollab/api/internal/realtime"
	"reportcollab/api/internal/session"
	"reportcollab/api/internal/store"
)

func main() {
	cfg := config.Load()
	cfg.ConfigureLogger()
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	migrations, err := store.Migrations(cfg.MigrationsDir)
	if err != nil {
		log.WithError(err).Fatal("migrations unavailable")
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}
	reports := store.NewPostgresStore(db)

	state, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("redis connection failed")
	}
	defer state.Close()

	hub := realtime.NewHub(log)
	broadcaster := realtime.NewBroadcaster(hub, state.Client(), log)
	go func() {
		if err := broadcaster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("event relay stopped")
		}
	}()

	coordinator := collab.NewCoordinator(collab.Options{
		DebounceWindow: cfg.DebounceWindow,
		PresenceTTL:    cfg.PresenceTTL,
		PendingTTL:     cfg.PendingTTL,
		Flush: collab.FlushPolicy{
			Inactivity: cfg.FlushInactivity,
			MaxChanges: cfg.FlushMaxChanges,
			MaxAge:     cfg.FlushMaxAge,
		},
	}, collab.Dependencies{
		State:      state,
		Reports:    reports,
		Groups:     reports,
		Identities: reports,
		Revisions:  reports,
		Transport:  broadcaster,
		Logger:     log,
	})
	go coordinator.Flusher().Run(ctx, cfg.FlushCheckInterval)

	service := app.New(cfg, coordinator,
		app.ReadinessCheck{Name: "database", Pinger: reports},
		app.ReadinessCheck{Name: "redis", Pinger: state},
	)
	wsHandler := realtime.NewHandler(coordinator, hub, cfg.CORSOrigin, log)
	httpServer := app.NewHTTPServer(service, wsHandler, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("report collaboration API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	// Pending edits are committed before the stores close.
	coordinator.Close()
}
