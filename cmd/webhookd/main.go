// webhookd receives actor-platform completion webhooks and serves the
// operational stats endpoint.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reviewbeam/scrapeq/internal/config"
	"github.com/reviewbeam/scrapeq/internal/ledger"
	"github.com/reviewbeam/scrapeq/internal/queue"
	"github.com/reviewbeam/scrapeq/internal/scheduler"
	"github.com/reviewbeam/scrapeq/internal/storage"
	"github.com/reviewbeam/scrapeq/internal/webhook"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	dq := queue.New(rdb)
	lgr := ledger.New(store, ledger.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BackoffBase,
		Cap:         cfg.BackoffCap,
	}, log)
	orch := scheduler.New(store, dq, lgr, scheduler.Config{
		DispatchWait:   cfg.DispatchWait,
		InFlightGrace:  cfg.InFlightGrace,
		RequeueGrace:   cfg.RequeueGrace,
		CleanupHorizon: cfg.CleanupHorizon,
	}, log)

	registry := webhook.NewRegistry(webhook.NewActorProvider(cfg.WebhookSecret))
	receiver := webhook.NewReceiver(registry, store, orch, store, log)

	rtr := chi.NewRouter()
	rtr.Use(middleware.Recoverer)
	rtr.Post("/v1/webhooks/{source}", receiver.ServeHTTP)
	rtr.Get("/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := orch.Stats(req.Context())
		if err != nil {
			log.Error("stats query failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})
	rtr.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.WebhookAddr, Handler: rtr}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("webhookd listening", zap.String("addr", cfg.WebhookAddr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("webhookd exited", zap.Error(err))
	}
	receiver.Drain()
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "production" {
		return zap.Must(zap.NewProduction())
	}
	return zap.Must(zap.NewDevelopment())
}
