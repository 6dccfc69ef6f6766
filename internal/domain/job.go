package domain

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	ProfileUpdate       Kind = "profile_update"
	BatchProfileUpdate  Kind = "batch_profile_update"
	ReviewsRefresh      Kind = "reviews_refresh"
	BatchReviewsRefresh Kind = "batch_reviews_refresh"
)

// ReviewsOnly reports whether the kind fetches reviews rather than full
// profile data. Reviews kinds carry a cursor and dispatch with the
// include-recent-only option.
func (k Kind) ReviewsOnly() bool {
	return k == ReviewsRefresh || k == BatchReviewsRefresh
}

type State string

const (
	Pending        State = "pending"
	InFlight       State = "in_flight"
	Dispatched     State = "dispatched"
	Succeeded      State = "succeeded"
	RetryScheduled State = "retry_scheduled"
	Abandoned      State = "abandoned"
)

// Terminal reports whether no transition leads out of the state.
func (s State) Terminal() bool {
	return s == Succeeded || s == Abandoned
}

var transitions = map[State][]State{
	Pending:        {InFlight},
	InFlight:       {Dispatched, RetryScheduled, Abandoned},
	Dispatched:     {Succeeded, RetryScheduled, Abandoned},
	RetryScheduled: {Pending},
}

// ValidTransition reports whether the state machine permits from -> to.
func ValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one unit of scheduled scrape work. Targets is the ordered list of
// external business identifiers; single kinds carry exactly one. Cursor is
// the "newer than" boundary for reviews kinds, nil otherwise. RunHandle is
// the actor platform's run identifier and is set exactly while the job is in
// Dispatched.
type Job struct {
	ID          uuid.UUID
	Kind        Kind
	Targets     []string
	Cursor      *time.Time
	ScheduledAt time.Time
	State       State
	Attempt     int
	RunHandle   *string
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LedgerEntry records a job's failure history. One row exists per job that
// is currently in a failed/retrying lifecycle; it is deleted when the job
// reaches a terminal state.
type LedgerEntry struct {
	JobID         uuid.UUID
	FailureCount  int
	NextRetryAt   time.Time
	LastError     string
	FirstFailedAt time.Time
}

// Stats aggregates job counts for dashboards and alerting.
type Stats struct {
	Pending   int64 `json:"pending"`
	Retrying  int64 `json:"retrying"`
	Abandoned int64 `json:"abandoned"`
}
