package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewbeam/scrapeq/internal/domain"
)

// newTestStore connects to the database named by SCRAPEQ_TEST_POSTGRES_DSN,
// migrates it, and truncates the tables. Skipped when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SCRAPEQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCRAPEQ_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `truncate jobs, retry_ledger, scrape_results`)
	require.NoError(t, err)
	return New(pool)
}

func createJob(t *testing.T, s *Store) *domain.Job {
	t.Helper()
	j := &domain.Job{
		ID:          uuid.New(),
		Kind:        domain.ProfileUpdate,
		Targets:     []string{"biz-1"},
		ScheduledAt: time.Now().UTC(),
		State:       domain.Pending,
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := createJob(t, s)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.State)
	assert.Equal(t, 0, got.Attempt)
	assert.Nil(t, got.RunHandle)

	claimed, err := s.MarkInFlight(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InFlight, claimed.State)
	assert.Equal(t, 1, claimed.Attempt)

	// Second claim loses.
	_, err = s.MarkInFlight(ctx, j.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	dispatched, err := s.MarkDispatched(ctx, j.ID, "run-42")
	require.NoError(t, err)
	require.NotNil(t, dispatched.RunHandle)
	assert.Equal(t, "run-42", *dispatched.RunHandle)

	byHandle, err := s.GetJobByRunHandle(ctx, "run-42")
	require.NoError(t, err)
	assert.Equal(t, j.ID, byHandle.ID)

	done, err := s.MarkSucceeded(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, done.State)
	assert.Nil(t, done.RunHandle, "run handle cleared on completion")

	// Terminal: no further transitions.
	_, err = s.MarkSucceeded(ctx, j.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = s.GetJobByRunHandle(ctx, "run-42")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := createJob(t, s)

	_, err := s.MarkInFlight(ctx, j.ID)
	require.NoError(t, err)

	next := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Microsecond)
	entry, err := s.LedgerUpsertFailure(ctx, j.ID, "rate limited", next)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.FailureCount)

	entry, err = s.LedgerUpsertFailure(ctx, j.ID, "still rate limited", next)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.FailureCount)
	assert.Equal(t, "still rate limited", entry.LastError)

	_, err = s.MarkRetryScheduled(ctx, j.ID, "rate limited")
	require.NoError(t, err)
	back, err := s.MarkPending(ctx, j.ID, next)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, back.State)
	assert.Equal(t, next, back.ScheduledAt.UTC().Truncate(time.Microsecond))

	due, err := s.LedgerDue(ctx, next.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, j.ID, due[0].JobID)

	due, err = s.LedgerDue(ctx, next.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "future entries stay untouched")
}

func TestAbandonDeletesLedgerRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := createJob(t, s)

	_, err := s.MarkInFlight(ctx, j.ID)
	require.NoError(t, err)
	_, err = s.LedgerUpsertFailure(ctx, j.ID, "boom", time.Now().UTC())
	require.NoError(t, err)

	gone, err := s.MarkAbandoned(ctx, j.ID, "retries exhausted")
	require.NoError(t, err)
	assert.Equal(t, domain.Abandoned, gone.State)
	require.NotNil(t, gone.LastError)
	assert.Equal(t, "retries exhausted", *gone.LastError)

	_, err = s.LedgerGet(ctx, j.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeletePendingOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := createJob(t, s)
	require.NoError(t, s.DeletePending(ctx, j.ID))
	_, err := s.GetJob(ctx, j.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	j = createJob(t, s)
	_, err = s.MarkInFlight(ctx, j.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, s.DeletePending(ctx, j.ID), domain.ErrConflict)
}

func TestStaleDispatchedAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := createJob(t, s)
	_, err := s.MarkInFlight(ctx, j.ID)
	require.NoError(t, err)
	_, err = s.MarkDispatched(ctx, j.ID, "run-1")
	require.NoError(t, err)

	stale, err := s.StaleDispatched(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	stale, err = s.StaleDispatched(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	createJob(t, s)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Pending)
	assert.Equal(t, int64(0), st.Retrying)
	assert.Equal(t, int64(0), st.Abandoned)
}

func TestStaleInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := createJob(t, s)
	_, err := s.MarkInFlight(ctx, j.ID)
	require.NoError(t, err)

	stale, err := s.StaleInFlight(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, j.ID, stale[0].ID)

	stale, err = s.StaleInFlight(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "recently claimed jobs are not stale")

	// Dispatched jobs belong to the other sweep.
	_, err = s.MarkDispatched(ctx, j.ID, "run-1")
	require.NoError(t, err)
	stale, err = s.StaleInFlight(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestOverduePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	overdue := &domain.Job{
		ID:          uuid.New(),
		Kind:        domain.ProfileUpdate,
		Targets:     []string{"biz-1"},
		ScheduledAt: time.Now().UTC().Add(-10 * time.Minute),
		State:       domain.Pending,
	}
	require.NoError(t, s.CreateJob(ctx, overdue))

	parked := &domain.Job{
		ID:          uuid.New(),
		Kind:        domain.ProfileUpdate,
		Targets:     []string{"biz-2"},
		ScheduledAt: time.Now().UTC().Add(time.Hour),
		State:       domain.Pending,
	}
	require.NoError(t, s.CreateJob(ctx, parked))

	got, err := s.OverduePending(ctx, time.Now().UTC().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)

	// Claimed jobs leave the pending scan.
	_, err = s.MarkInFlight(ctx, overdue.ID)
	require.NoError(t, err)
	got, err = s.OverduePending(ctx, time.Now().UTC().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPurgeTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := createJob(t, s)
	_, err := s.MarkInFlight(ctx, j.ID)
	require.NoError(t, err)
	_, err = s.MarkDispatched(ctx, j.ID, "run-1")
	require.NoError(t, err)
	_, err = s.MarkSucceeded(ctx, j.ID)
	require.NoError(t, err)

	n, err := s.PurgeTerminal(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "fresh terminal rows are retained")

	n, err = s.PurgeTerminal(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWriteResultPerTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &domain.Job{
		ID:          uuid.New(),
		Kind:        domain.BatchReviewsRefresh,
		Targets:     []string{"biz-1", "biz-2"},
		ScheduledAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateJob(ctx, j))
	require.NoError(t, s.WriteResult(ctx, j, []byte(`{"reviews":[]}`)))

	var count int
	require.NoError(t, s.db.QueryRow(ctx, `select count(*) from scrape_results`).Scan(&count))
	assert.Equal(t, 2, count)
}
