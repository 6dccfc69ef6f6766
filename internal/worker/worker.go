// Package worker drains the delay queue and dispatches released jobs to the
// actor platform. Dispatch is fire-and-forget: once the platform accepts a
// run the job waits in dispatched for its webhook.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reviewbeam/scrapeq/internal/domain"
)

type jobStore interface {
	MarkInFlight(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, runHandle string) (*domain.Job, error)
}

type delayQueue interface {
	PopReady(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job) (string, error)
}

type failureHandler interface {
	HandleFailure(ctx context.Context, jobID uuid.UUID, cause error) error
}

type Config struct {
	Concurrency int
	Poll        time.Duration
	Batch       int
}

type Worker struct {
	store  jobStore
	queue  delayQueue
	disp   dispatcher
	failer failureHandler
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func New(store jobStore, queue delayQueue, disp dispatcher, failer failureHandler, cfg Config, log *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	return &Worker{store: store, queue: queue, disp: disp, failer: failer, cfg: cfg, log: log, now: time.Now}
}

// Run polls the delay queue until the context is cancelled. Queue errors are
// logged and retried on the next tick rather than stopping the worker.
func (w *Worker) Run(ctx context.Context) error {
	tick := time.NewTicker(w.cfg.Poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("worker pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce pops one batch of due jobs and dispatches them with bounded
// concurrency.
func (w *Worker) RunOnce(ctx context.Context) error {
	ids, err := w.queue.PopReady(ctx, w.now(), w.cfg.Batch)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			w.log.Error("discarding malformed queue member", zap.String("member", raw))
			continue
		}
		g.Go(func() error {
			w.process(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) process(ctx context.Context, id uuid.UUID) {
	job, err := w.store.MarkInFlight(ctx, id)
	if errors.Is(err, domain.ErrConflict) {
		// Another consumer claimed it, or it was cancelled after release.
		return
	}
	if err != nil {
		w.log.Error("claiming job failed", zap.String("job_id", id.String()), zap.Error(err))
		return
	}

	runHandle, err := w.disp.Dispatch(ctx, job)
	if err != nil {
		w.log.Warn("dispatch failed",
			zap.String("job_id", id.String()),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
		if ferr := w.failer.HandleFailure(ctx, id, err); ferr != nil {
			w.log.Error("recording dispatch failure failed",
				zap.String("job_id", id.String()), zap.Error(ferr))
		}
		return
	}

	if _, err := w.store.MarkDispatched(ctx, id, runHandle); err != nil {
		w.log.Error("recording run handle failed",
			zap.String("job_id", id.String()),
			zap.String("run_handle", runHandle),
			zap.Error(err))
		return
	}
	w.log.Info("dispatched job",
		zap.String("job_id", id.String()),
		zap.String("kind", string(job.Kind)),
		zap.String("run_handle", runHandle),
		zap.Int("attempt", job.Attempt))
}
