package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to State }{
		{Pending, InFlight},
		{InFlight, Dispatched},
		{InFlight, RetryScheduled},
		{InFlight, Abandoned},
		{Dispatched, Succeeded},
		{Dispatched, RetryScheduled},
		{Dispatched, Abandoned},
		{RetryScheduled, Pending},
	}
	for _, tr := range allowed {
		assert.True(t, ValidTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to State }{
		{Pending, Dispatched},
		{Pending, Succeeded},
		{Dispatched, Pending},
		{Succeeded, Pending},
		{Succeeded, Abandoned},
		{Abandoned, Pending},
		{Abandoned, RetryScheduled},
		{RetryScheduled, Dispatched},
	}
	for _, tr := range denied {
		assert.False(t, ValidTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	t.Parallel()

	all := []State{Pending, InFlight, Dispatched, Succeeded, RetryScheduled, Abandoned}
	for _, from := range []State{Succeeded, Abandoned} {
		assert.True(t, from.Terminal())
		for _, to := range all {
			assert.False(t, ValidTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, s := range []State{Pending, InFlight, Dispatched, RetryScheduled} {
		assert.False(t, s.Terminal())
	}
}

func TestKindReviewsOnly(t *testing.T) {
	t.Parallel()

	assert.True(t, ReviewsRefresh.ReviewsOnly())
	assert.True(t, BatchReviewsRefresh.ReviewsOnly())
	assert.False(t, ProfileUpdate.ReviewsOnly())
	assert.False(t, BatchProfileUpdate.ReviewsOnly())
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(&DispatchError{Transient: true}))
	assert.False(t, IsTransient(&DispatchError{Transient: false}))
	// Unclassified errors are retried rather than abandoned.
	assert.True(t, IsTransient(assert.AnError))
}
