// Package scheduler is the orchestration facade: it creates jobs, drives
// retries out of the ledger, recovers work lost to crashes or dropped
// webhooks, and answers operational queries. All re-enqueue logic funnels
// through here so the worker and the webhook receiver share one failure
// path.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/reviewbeam/scrapeq/internal/domain"
	"github.com/reviewbeam/scrapeq/internal/ledger"
)

type jobStore interface {
	CreateJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	MarkAbandoned(ctx context.Context, id uuid.UUID, lastErr string) (*domain.Job, error)
	MarkRetryScheduled(ctx context.Context, id uuid.UUID, lastErr string) (*domain.Job, error)
	MarkPending(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*domain.Job, error)
	DeletePending(ctx context.Context, id uuid.UUID) error
	StaleDispatched(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error)
	StaleInFlight(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error)
	OverduePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error)
	LedgerDelete(ctx context.Context, jobID uuid.UUID) error
	Stats(ctx context.Context) (domain.Stats, error)
}

type delayQueue interface {
	Enqueue(ctx context.Context, jobID string, readyAt time.Time) error
	Remove(ctx context.Context, jobID string) (bool, error)
}

type retryLedger interface {
	RecordFailure(ctx context.Context, jobID uuid.UUID, cause error) (ledger.Decision, error)
	Due(ctx context.Context, limit int) ([]domain.LedgerEntry, error)
	Cleanup(ctx context.Context, horizon time.Duration) (int64, error)
}

type Config struct {
	// DispatchWait is how long a dispatched job may wait for its webhook
	// before the sweep treats it as a transient failure.
	DispatchWait time.Duration
	// InFlightGrace is how long a job may sit in in_flight before the sweep
	// assumes its worker died mid-dispatch.
	InFlightGrace time.Duration
	// RequeueGrace is how far past its scheduled time a pending job may be
	// before the sweep re-enqueues it, covering delay-queue entries lost to
	// a crash between pop and claim.
	RequeueGrace time.Duration
	// CleanupHorizon is the retention period for terminal jobs.
	CleanupHorizon time.Duration
}

type Orchestrator struct {
	store  jobStore
	queue  delayQueue
	ledger retryLedger
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func New(store jobStore, queue delayQueue, lgr retryLedger, cfg Config, log *zap.Logger) *Orchestrator {
	return &Orchestrator{store: store, queue: queue, ledger: lgr, cfg: cfg, log: log, now: time.Now}
}

func (o *Orchestrator) ScheduleProfileUpdate(ctx context.Context, target string, delay time.Duration) (*domain.Job, error) {
	return o.schedule(ctx, domain.ProfileUpdate, []string{target}, nil, delay)
}

func (o *Orchestrator) ScheduleBatchProfileUpdate(ctx context.Context, targets []string, delay time.Duration) (*domain.Job, error) {
	return o.schedule(ctx, domain.BatchProfileUpdate, targets, nil, delay)
}

// ScheduleReviewsRefresh fetches only reviews newer than the cursor.
func (o *Orchestrator) ScheduleReviewsRefresh(ctx context.Context, target string, newerThan time.Time, delay time.Duration) (*domain.Job, error) {
	return o.schedule(ctx, domain.ReviewsRefresh, []string{target}, &newerThan, delay)
}

func (o *Orchestrator) ScheduleBatchReviewsRefresh(ctx context.Context, targets []string, delay time.Duration) (*domain.Job, error) {
	return o.schedule(ctx, domain.BatchReviewsRefresh, targets, nil, delay)
}

func (o *Orchestrator) schedule(ctx context.Context, kind domain.Kind, targets []string, cursor *time.Time, delay time.Duration) (*domain.Job, error) {
	if len(targets) == 0 {
		return nil, errors.New("schedule: no targets")
	}
	for _, t := range targets {
		if t == "" {
			return nil, errors.New("schedule: empty target ref")
		}
	}

	job := &domain.Job{
		ID:          uuid.New(),
		Kind:        kind,
		Targets:     targets,
		Cursor:      cursor,
		ScheduledAt: o.now().Add(delay),
		State:       domain.Pending,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, job.ID.String(), job.ScheduledAt); err != nil {
		return nil, err
	}
	o.log.Info("scheduled job",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(kind)),
		zap.Int("targets", len(targets)),
		zap.Time("scheduled_at", job.ScheduledAt))
	return job, nil
}

// Cancel removes a job that has not yet been released. Once a job is in
// flight or dispatched it must run to a terminal state.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := o.store.DeletePending(ctx, jobID); err != nil {
		return err
	}
	_, err := o.queue.Remove(ctx, jobID.String())
	return err
}

// Finalize marks a dispatched job succeeded. The ledger row, if any, is
// removed in the same transaction.
func (o *Orchestrator) Finalize(ctx context.Context, jobID uuid.UUID) error {
	_, err := o.store.MarkSucceeded(ctx, jobID)
	return err
}

// HandleFailure records a failure and routes the job to retry or
// abandonment. On retry the job passes through retry_scheduled back to
// pending and re-enters the delay queue at its next retry time; if the
// enqueue is lost, ProcessRetryQueue heals it from the ledger.
func (o *Orchestrator) HandleFailure(ctx context.Context, jobID uuid.UUID, cause error) error {
	decision, err := o.ledger.RecordFailure(ctx, jobID, cause)
	if err != nil {
		return err
	}
	if decision.Abandon {
		_, err := o.store.MarkAbandoned(ctx, jobID, cause.Error())
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}

	if _, err := o.store.MarkRetryScheduled(ctx, jobID, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	if _, err := o.store.MarkPending(ctx, jobID, decision.NextRetryAt); err != nil {
		return err
	}
	return o.queue.Enqueue(ctx, jobID.String(), decision.NextRetryAt)
}

// RetryReport summarizes one ProcessRetryQueue pass.
type RetryReport struct {
	Processed        int `json:"processed"`
	SucceededOnRetry int `json:"succeeded_on_retry"`
	StillRetrying    int `json:"still_retrying"`
	Abandoned        int `json:"abandoned"`
}

// ProcessRetryQueue reconciles every due ledger entry against its job. It is
// the periodic safety net: pending and retry-scheduled jobs re-enter the
// delay queue, stale ledger rows for jobs that already finished are removed,
// and entries not yet due stay untouched.
func (o *Orchestrator) ProcessRetryQueue(ctx context.Context) (RetryReport, error) {
	var report RetryReport
	entries, err := o.ledger.Due(ctx, 500)
	if err != nil {
		return report, err
	}

	for _, e := range entries {
		report.Processed++
		job, err := o.store.GetJob(ctx, e.JobID)
		if errors.Is(err, domain.ErrNotFound) {
			// Job purged; drop the orphaned entry.
			if err := o.store.LedgerDelete(ctx, e.JobID); err != nil {
				return report, err
			}
			continue
		}
		if err != nil {
			return report, err
		}

		switch job.State {
		case domain.Succeeded:
			report.SucceededOnRetry++
			if err := o.store.LedgerDelete(ctx, e.JobID); err != nil {
				return report, err
			}
		case domain.Abandoned:
			report.Abandoned++
			if err := o.store.LedgerDelete(ctx, e.JobID); err != nil {
				return report, err
			}
		case domain.RetryScheduled:
			// The re-enqueue after the recorded failure was lost.
			if _, err := o.store.MarkPending(ctx, e.JobID, e.NextRetryAt); err != nil && !errors.Is(err, domain.ErrConflict) {
				return report, err
			}
			if err := o.queue.Enqueue(ctx, e.JobID.String(), e.NextRetryAt); err != nil {
				return report, err
			}
			report.StillRetrying++
		case domain.Pending:
			// Enqueue is idempotent per job ID, so refreshing membership is
			// safe even when the queue already holds the job.
			if err := o.queue.Enqueue(ctx, e.JobID.String(), e.NextRetryAt); err != nil {
				return report, err
			}
			report.StillRetrying++
		default:
			// in_flight or dispatched: the retry attempt is running.
			report.StillRetrying++
		}
	}

	if report.Processed > 0 {
		o.log.Info("processed retry queue",
			zap.Int("processed", report.Processed),
			zap.Int("still_retrying", report.StillRetrying),
			zap.Int("abandoned", report.Abandoned))
	}
	return report, nil
}

// SweepStaleDispatches finds jobs stuck in dispatched past the configured
// wait, meaning the completion webhook was lost, and records a transient
// failure for each.
func (o *Orchestrator) SweepStaleDispatches(ctx context.Context) (int, error) {
	stale, err := o.store.StaleDispatched(ctx, o.now().Add(-o.cfg.DispatchWait), 100)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, job := range stale {
		cause := &domain.DispatchError{Transient: true,
			Message: "no webhook received within " + o.cfg.DispatchWait.String()}
		if err := o.HandleFailure(ctx, job.ID, cause); err != nil {
			// Likely a race with a late webhook; the next sweep will catch
			// anything genuinely stuck.
			o.log.Warn("could not fail stale dispatch",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		o.log.Info("timed out stale dispatch", zap.String("job_id", job.ID.String()))
		swept++
	}
	return swept, nil
}

// SweepStaleInFlight finds jobs stuck in in_flight past the grace period.
// The in_flight phase spans a single dispatch call, so a stale row means the
// worker died before recording the outcome; whether the platform accepted
// the run is unknowable, so the sweep records a transient failure and lets
// the retry path re-dispatch.
func (o *Orchestrator) SweepStaleInFlight(ctx context.Context) (int, error) {
	stale, err := o.store.StaleInFlight(ctx, o.now().Add(-o.cfg.InFlightGrace), 100)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, job := range stale {
		cause := &domain.DispatchError{Transient: true,
			Message: "dispatch did not complete within " + o.cfg.InFlightGrace.String()}
		if err := o.HandleFailure(ctx, job.ID, cause); err != nil {
			o.log.Warn("could not fail stale in-flight job",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		o.log.Info("timed out stale in-flight job", zap.String("job_id", job.ID.String()))
		swept++
	}
	return swept, nil
}

// RequeueOverduePending restores delay-queue membership for pending jobs
// whose scheduled time passed more than the grace period ago. A worker crash
// between the queue's atomic pop and the claim removes the job from the
// queue while leaving the row pending with no ledger entry, so neither the
// retry driver nor the stale sweeps would ever see it. Enqueue is idempotent
// per job ID, so jobs still queued are refreshed harmlessly.
func (o *Orchestrator) RequeueOverduePending(ctx context.Context) (int, error) {
	overdue, err := o.store.OverduePending(ctx, o.now().Add(-o.cfg.RequeueGrace), 500)
	if err != nil {
		return 0, err
	}
	for _, job := range overdue {
		if err := o.queue.Enqueue(ctx, job.ID.String(), job.ScheduledAt); err != nil {
			return 0, err
		}
		o.log.Info("re-enqueued overdue pending job",
			zap.String("job_id", job.ID.String()),
			zap.Time("scheduled_at", job.ScheduledAt))
	}
	return len(overdue), nil
}

func (o *Orchestrator) Stats(ctx context.Context) (domain.Stats, error) {
	return o.store.Stats(ctx)
}

// Cleanup purges terminal jobs past the retention horizon.
func (o *Orchestrator) Cleanup(ctx context.Context) (int64, error) {
	return o.ledger.Cleanup(ctx, o.cfg.CleanupHorizon)
}
