// Package storage persists jobs and retry ledger rows in Postgres. It is
// the source of truth for job state; the delay queue only holds release
// timing. Every state transition is a conditional update so that concurrent
// processes lose races cleanly (domain.ErrConflict) instead of clobbering
// each other.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/reviewbeam/scrapeq/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobFields = `id, kind, targets, cursor, scheduled_at, state, attempt,
run_handle, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	j := new(domain.Job)
	err := row.Scan(&j.ID, &j.Kind, &j.Targets, &j.Cursor, &j.ScheduledAt,
		&j.State, &j.Attempt, &j.RunHandle, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan job")
	}
	return j, nil
}

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	_, err := s.db.Exec(ctx, `insert into jobs(
id, kind, targets, cursor, scheduled_at, state, attempt
) values ($1,$2,$3,$4,$5,'pending',0)`,
		j.ID, j.Kind, j.Targets, j.Cursor, j.ScheduledAt)
	return errors.Wrap(err, "insert job")
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobFields+` from jobs where id = $1`, id)
	return scanJob(row)
}

// GetJobByRunHandle resolves the job a webhook delivery refers to. Returns
// domain.ErrNotFound when no job carries the handle, which the receiver
// treats as an unknown run.
func (s *Store) GetJobByRunHandle(ctx context.Context, handle string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobFields+` from jobs where run_handle = $1`, handle)
	return scanJob(row)
}

// MarkInFlight claims a released job for dispatch and increments its attempt
// counter. Only one caller can win: the update matches only the pending
// state, so a second consumer gets domain.ErrConflict.
func (s *Store) MarkInFlight(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
set state = 'in_flight', attempt = attempt + 1, updated_at = now()
where id = $1 and state = 'pending'
returning `+jobFields, id)
	j, err := scanJob(row)
	if err == domain.ErrNotFound {
		return nil, domain.ErrConflict
	}
	return j, err
}

// MarkDispatched records the actor run handle after a successful submission.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID, runHandle string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
set state = 'dispatched', run_handle = $2, updated_at = now()
where id = $1 and state = 'in_flight'
returning `+jobFields, id, runHandle)
	j, err := scanJob(row)
	if err == domain.ErrNotFound {
		return nil, domain.ErrConflict
	}
	return j, err
}

// MarkSucceeded finalizes a dispatched job and removes its ledger row in the
// same transaction. The run handle is cleared; it only exists while the job
// awaits its webhook.
func (s *Store) MarkSucceeded(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.finalize(ctx, id, domain.Succeeded, nil, []domain.State{domain.Dispatched})
}

// MarkAbandoned terminates a job permanently, keeping the last error on the
// row so downstream consumers can surface the failed integration.
func (s *Store) MarkAbandoned(ctx context.Context, id uuid.UUID, lastErr string) (*domain.Job, error) {
	return s.finalize(ctx, id, domain.Abandoned, &lastErr,
		[]domain.State{domain.InFlight, domain.Dispatched})
}

func (s *Store) finalize(ctx context.Context, id uuid.UUID, to domain.State, lastErr *string, from []domain.State) (*domain.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `update jobs
set state = $2, run_handle = null, last_error = coalesce($3, last_error), updated_at = now()
where id = $1 and state = any($4)
returning `+jobFields, id, to, lastErr, stateStrings(from))
	j, err := scanJob(row)
	if err == domain.ErrNotFound {
		return nil, domain.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `delete from retry_ledger where job_id = $1`, id); err != nil {
		return nil, errors.Wrap(err, "delete ledger row")
	}
	return j, errors.Wrap(tx.Commit(ctx), "commit")
}

// MarkRetryScheduled parks a job between a recorded failure and its
// re-enqueue at next_retry_at.
func (s *Store) MarkRetryScheduled(ctx context.Context, id uuid.UUID, lastErr string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
set state = 'retry_scheduled', run_handle = null, last_error = $2, updated_at = now()
where id = $1 and state = any($3)
returning `+jobFields, id, lastErr,
		stateStrings([]domain.State{domain.InFlight, domain.Dispatched}))
	j, err := scanJob(row)
	if err == domain.ErrNotFound {
		return nil, domain.ErrConflict
	}
	return j, err
}

// MarkPending returns a retry-scheduled job to pending with a new scheduled
// time, immediately before it re-enters the delay queue.
func (s *Store) MarkPending(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `update jobs
set state = 'pending', scheduled_at = $2, updated_at = now()
where id = $1 and state = 'retry_scheduled'
returning `+jobFields, id, scheduledAt)
	j, err := scanJob(row)
	if err == domain.ErrNotFound {
		return nil, domain.ErrConflict
	}
	return j, err
}

// DeletePending removes a job that was cancelled before release. Jobs past
// pending cannot be cancelled and return domain.ErrConflict.
func (s *Store) DeletePending(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `delete from jobs where id = $1 and state = 'pending'`, id)
	if err != nil {
		return errors.Wrap(err, "delete pending job")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// StaleDispatched returns dispatched jobs whose last update is older than
// olderThan, i.e. jobs whose webhook never arrived.
func (s *Store) StaleDispatched(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error) {
	return s.jobsWhere(ctx, `select `+jobFields+` from jobs
where state = 'dispatched' and updated_at < $1
order by updated_at asc limit $2`, olderThan, limit)
}

// StaleInFlight returns jobs stuck in in_flight past olderThan. An in_flight
// phase spans one dispatch HTTP call, so an old row means the worker died
// between claiming the job and recording the outcome.
func (s *Store) StaleInFlight(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error) {
	return s.jobsWhere(ctx, `select `+jobFields+` from jobs
where state = 'in_flight' and updated_at < $1
order by updated_at asc limit $2`, olderThan, limit)
}

// OverduePending returns pending jobs whose scheduled time passed before
// olderThan. A healthy pending job is popped by a worker shortly after its
// scheduled time; an overdue one lost its delay-queue membership (e.g. a
// worker crashed between the queue pop and the claim) and must be
// re-enqueued. The predicate is on scheduled_at, not updated_at, so retries
// parked for the future are never matched.
func (s *Store) OverduePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error) {
	return s.jobsWhere(ctx, `select `+jobFields+` from jobs
where state = 'pending' and scheduled_at < $1
order by scheduled_at asc limit $2`, olderThan, limit)
}

func (s *Store) jobsWhere(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, errors.Wrap(rows.Err(), "iterate jobs")
}

// LedgerUpsertFailure creates or bumps the ledger row for a failed job. The
// failure count increments on every call; first_failed_at is set once.
func (s *Store) LedgerUpsertFailure(ctx context.Context, jobID uuid.UUID, lastErr string, nextRetryAt time.Time) (*domain.LedgerEntry, error) {
	row := s.db.QueryRow(ctx, `insert into retry_ledger
(job_id, failure_count, next_retry_at, last_error, first_failed_at)
values ($1, 1, $2, $3, now())
on conflict (job_id) do update set
	failure_count = retry_ledger.failure_count + 1,
	next_retry_at = excluded.next_retry_at,
	last_error = excluded.last_error
returning job_id, failure_count, next_retry_at, last_error, first_failed_at`,
		jobID, nextRetryAt, lastErr)

	e := new(domain.LedgerEntry)
	err := row.Scan(&e.JobID, &e.FailureCount, &e.NextRetryAt, &e.LastError, &e.FirstFailedAt)
	return e, errors.Wrap(err, "upsert ledger failure")
}

func (s *Store) LedgerGet(ctx context.Context, jobID uuid.UUID) (*domain.LedgerEntry, error) {
	row := s.db.QueryRow(ctx, `select job_id, failure_count, next_retry_at, last_error, first_failed_at
from retry_ledger where job_id = $1`, jobID)
	e := new(domain.LedgerEntry)
	err := row.Scan(&e.JobID, &e.FailureCount, &e.NextRetryAt, &e.LastError, &e.FirstFailedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return e, errors.Wrap(err, "get ledger row")
}

// LedgerDue returns entries whose retry time has come, oldest first.
func (s *Store) LedgerDue(ctx context.Context, now time.Time, limit int) ([]domain.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `select job_id, failure_count, next_retry_at, last_error, first_failed_at
from retry_ledger where next_retry_at <= $1
order by next_retry_at asc limit $2`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query due ledger rows")
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.JobID, &e.FailureCount, &e.NextRetryAt, &e.LastError, &e.FirstFailedAt); err != nil {
			return nil, errors.Wrap(err, "scan ledger row")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate due ledger rows")
}

func (s *Store) LedgerDelete(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `delete from retry_ledger where job_id = $1`, jobID)
	return errors.Wrap(err, "delete ledger row")
}

// Stats counts jobs by lifecycle bucket: pending covers everything still
// working toward completion, retrying covers jobs parked in the ledger.
func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.db.QueryRow(ctx, `select
	count(*) filter (where state in ('pending','in_flight','dispatched')),
	count(*) filter (where state = 'retry_scheduled'),
	count(*) filter (where state = 'abandoned')
from jobs`).Scan(&st.Pending, &st.Retrying, &st.Abandoned)
	return st, errors.Wrap(err, "query stats")
}

// PurgeTerminal deletes succeeded and abandoned jobs older than the horizon.
// Ledger rows cascade.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from jobs
where state in ('succeeded','abandoned') and updated_at < $1`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "purge terminal jobs")
	}
	return tag.RowsAffected(), nil
}

func stateStrings(states []domain.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
