// schedulerd drives the periodic maintenance cycles: the retry queue, the
// stale-dispatch sweep, and terminal-job cleanup. A Postgres advisory lock
// elects a single leader so replicas don't double-drive retries.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/reviewbeam/scrapeq/internal/config"
	"github.com/reviewbeam/scrapeq/internal/ledger"
	"github.com/reviewbeam/scrapeq/internal/queue"
	"github.com/reviewbeam/scrapeq/internal/scheduler"
	"github.com/reviewbeam/scrapeq/internal/storage"
)

// leaderLockID is the advisory lock key shared by schedulerd replicas.
const leaderLockID = 7741

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

	// Advisory locks are session scoped, so hold a dedicated connection for
	// the lifetime of the leadership.
	leaderConn, err := acquireLeadership(ctx, db, log)
	if err != nil {
		log.Fatal("acquire leadership", zap.Error(err))
	}
	defer leaderConn.Release()

	c := cron.New()
	mustAdd(c, log, cfg.RetrySchedule, "retry queue", func() {
		if _, err := orch.ProcessRetryQueue(ctx); err != nil {
			log.Error("retry queue pass failed", zap.Error(err))
		}
	})
	mustAdd(c, log, cfg.SweepSchedule, "stale sweep", func() {
		if _, err := orch.SweepStaleDispatches(ctx); err != nil {
			log.Error("stale dispatch sweep failed", zap.Error(err))
		}
		if _, err := orch.SweepStaleInFlight(ctx); err != nil {
			log.Error("stale in-flight sweep failed", zap.Error(err))
		}
		if _, err := orch.RequeueOverduePending(ctx); err != nil {
			log.Error("overdue pending requeue failed", zap.Error(err))
		}
	})
	mustAdd(c, log, cfg.CleanupSchedule, "cleanup", func() {
		if _, err := orch.Cleanup(ctx); err != nil {
			log.Error("cleanup failed", zap.Error(err))
		}
	})

	c.Start()
	log.Info("schedulerd started",
		zap.String("retry_schedule", cfg.RetrySchedule),
		zap.String("sweep_schedule", cfg.SweepSchedule),
		zap.String("cleanup_schedule", cfg.CleanupSchedule))

	<-ctx.Done()
	<-c.Stop().Done()
}

// acquireLeadership blocks until this process holds the advisory lock.
func acquireLeadership(ctx context.Context, db *pgxpool.Pool, log *zap.Logger) (*pgxpool.Conn, error) {
	conn, err := db.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	for {
		var got bool
		if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, leaderLockID).Scan(&got); err != nil {
			conn.Release()
			return nil, err
		}
		if got {
			log.Info("acquired scheduler leadership")
			return conn, nil
		}
		log.Info("another scheduler holds leadership, waiting")
		select {
		case <-ctx.Done():
			conn.Release()
			return nil, ctx.Err()
		case <-time.After(15 * time.Second):
		}
	}
}

func mustAdd(c *cron.Cron, log *zap.Logger, spec, name string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		log.Fatal("invalid cron schedule",
			zap.String("task", name), zap.String("spec", spec), zap.Error(err))
	}
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "production" {
		return zap.Must(zap.NewProduction())
	}
	return zap.Must(zap.NewDevelopment())
}
