// workerd drains the delay queue and submits released jobs to the actor
// platform.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reviewbeam/scrapeq/internal/config"
	"github.com/reviewbeam/scrapeq/internal/dispatch"
	"github.com/reviewbeam/scrapeq/internal/ledger"
	"github.com/reviewbeam/scrapeq/internal/queue"
	"github.com/reviewbeam/scrapeq/internal/scheduler"
	"github.com/reviewbeam/scrapeq/internal/storage"
	"github.com/reviewbeam/scrapeq/internal/worker"
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
	client := dispatch.NewClient(cfg.ActorBaseURL, cfg.ActorID, cfg.ActorToken, cfg.PublicWebhookURL)

	w := worker.New(store, dq, client, orch, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		Poll:        cfg.WorkerPoll,
		Batch:       cfg.WorkerBatch,
	}, log)

	log.Info("workerd started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("poll", cfg.WorkerPoll))
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Error("workerd exited", zap.Error(err))
	}
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "production" {
		return zap.Must(zap.NewProduction())
	}
	return zap.Must(zap.NewDevelopment())
}
