package domain

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when a job or ledger row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional state transition matched no
	// row, meaning another process already moved the job. Callers treat it
	// as "lost the race", not as a failure.
	ErrConflict = errors.New("state conflict")

	// ErrUnauthorized is returned when a webhook signature does not verify.
	ErrUnauthorized = errors.New("unauthorized webhook")

	// ErrUnknownRun is returned when a webhook references a run handle with
	// no matching job. Deliveries for already-finished or cleaned-up jobs
	// land here and must be acknowledged without side effects.
	ErrUnknownRun = errors.New("unknown run")
)

// DispatchError describes a rejected or failed actor submission. Transient
// failures (rate limits, timeouts, 5xx) go to the retry ledger; permanent
// ones abandon the job immediately.
type DispatchError struct {
	Transient  bool
	StatusCode int
	Message    string
}

func (e *DispatchError) Error() string {
	if e.Transient {
		return "transient dispatch error: " + e.Message
	}
	return "permanent dispatch error: " + e.Message
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient so that unexpected failures are retried rather than
// silently abandoned.
func IsTransient(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Transient
	}
	return true
}
