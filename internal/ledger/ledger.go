// Package ledger owns retry policy: backoff computation, the attempt
// budget, and the durable failure history behind it. It is the only writer
// of retry metadata.
package ledger

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/reviewbeam/scrapeq/internal/domain"
)

// store is the slice of the storage layer the ledger needs.
type store interface {
	LedgerGet(ctx context.Context, jobID uuid.UUID) (*domain.LedgerEntry, error)
	LedgerUpsertFailure(ctx context.Context, jobID uuid.UUID, lastErr string, nextRetryAt time.Time) (*domain.LedgerEntry, error)
	LedgerDue(ctx context.Context, now time.Time, limit int) ([]domain.LedgerEntry, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}

type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

type Ledger struct {
	store  store
	policy Policy
	log    *zap.Logger

	// now and jitter are swapped out in tests.
	now    func() time.Time
	jitter func(float64) float64
}

// Decision is the outcome of recording a failure: either retry at
// NextRetryAt, or give the job up.
type Decision struct {
	Abandon      bool
	NextRetryAt  time.Time
	FailureCount int
}

func New(s store, p Policy, log *zap.Logger) *Ledger {
	return &Ledger{
		store:  s,
		policy: p,
		log:    log,
		now:    time.Now,
		jitter: jitter,
	}
}

// RecordFailure registers one more failure for the job and decides between
// retry and abandonment. Permanent causes abandon immediately; transient
// ones retry until the failure count would exceed the attempt budget.
func (l *Ledger) RecordFailure(ctx context.Context, jobID uuid.UUID, cause error) (Decision, error) {
	if !domain.IsTransient(cause) {
		l.log.Info("abandoning job on permanent failure",
			zap.String("job_id", jobID.String()), zap.Error(cause))
		return Decision{Abandon: true}, nil
	}

	failures := 1
	prev, err := l.store.LedgerGet(ctx, jobID)
	switch {
	case err == nil:
		failures = prev.FailureCount + 1
	case errors.Is(err, domain.ErrNotFound):
	default:
		return Decision{}, err
	}

	if failures > l.policy.MaxAttempts {
		l.log.Info("abandoning job, retries exhausted",
			zap.String("job_id", jobID.String()), zap.Int("failures", failures))
		return Decision{Abandon: true, FailureCount: failures}, nil
	}

	next := l.now().Add(l.Backoff(failures))
	entry, err := l.store.LedgerUpsertFailure(ctx, jobID, cause.Error(), next)
	if err != nil {
		return Decision{}, err
	}
	l.log.Info("scheduled retry",
		zap.String("job_id", jobID.String()),
		zap.Int("failures", entry.FailureCount),
		zap.Time("next_retry_at", entry.NextRetryAt))
	return Decision{NextRetryAt: entry.NextRetryAt, FailureCount: entry.FailureCount}, nil
}

// Backoff returns the delay before retry number failures (1-based):
// base * 2^(failures-1), capped, with jitter applied on top.
func (l *Ledger) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := l.policy.Base << uint(failures-1)
	if d > l.policy.Cap || d <= 0 {
		d = l.policy.Cap
	}
	return time.Duration(l.jitter(float64(d)))
}

// Due returns ledger entries whose retry time has come.
func (l *Ledger) Due(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	return l.store.LedgerDue(ctx, l.now(), limit)
}

// Cleanup purges terminal jobs (and their cascaded ledger rows) older than
// the horizon. Best-effort maintenance; safe to run on any cadence.
func (l *Ledger) Cleanup(ctx context.Context, horizon time.Duration) (int64, error) {
	n, err := l.store.PurgeTerminal(ctx, l.now().Add(-horizon))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("purged terminal jobs", zap.Int64("count", n))
	}
	return n, nil
}

// jitter spreads val to a random point in [0.8*val, 1.2*val] so retries for
// jobs that failed together don't re-dispatch together.
func jitter(val float64) float64 {
	return val*0.8 + rand.Float64()*0.4*val
}
