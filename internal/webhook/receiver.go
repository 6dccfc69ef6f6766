// Package webhook receives asynchronous completion notifications from
// external platforms and turns them into job state transitions. The receiver
// acknowledges promptly: duplicate, stale, and unknown deliveries are no-ops,
// and payload persistence runs off the request path.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/reviewbeam/scrapeq/internal/domain"
)

// maxBodyBytes bounds a delivery; scraped payloads arrive by reference, not
// inline, so a completion notification is small.
const maxBodyBytes = 1 << 20

const persistTimeout = 30 * time.Second

// jobStore is the slice of the storage layer the receiver reads.
type jobStore interface {
	GetJobByRunHandle(ctx context.Context, handle string) (*domain.Job, error)
}

// Transitioner applies success/failure outcomes to a job. Implemented by the
// orchestrator so re-enqueue logic lives in one place.
type Transitioner interface {
	Finalize(ctx context.Context, jobID uuid.UUID) error
	HandleFailure(ctx context.Context, jobID uuid.UUID, cause error) error
}

// ResultSink receives successfully fetched payloads. It belongs to the
// persistence layer outside this subsystem.
type ResultSink interface {
	WriteResult(ctx context.Context, job *domain.Job, data json.RawMessage) error
}

type Receiver struct {
	registry Registry
	store    jobStore
	trans    Transitioner
	sink     ResultSink
	log      *zap.Logger

	// sem bounds concurrent background persistence writes; wg tracks every
	// spawned write for Drain.
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewReceiver(reg Registry, store jobStore, trans Transitioner, sink ResultSink, log *zap.Logger) *Receiver {
	return &Receiver{
		registry: reg,
		store:    store,
		trans:    trans,
		sink:     sink,
		log:      log,
		sem:      make(chan struct{}, 8),
	}
}

// ServeHTTP handles POST /v1/webhooks/{source}.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	provider, ok := rc.registry[source]
	if !ok {
		http.Error(w, "unknown webhook source", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if err := provider.Verify(r.Header.Get(SignatureHeader), body); err != nil {
		rc.log.Warn("rejected webhook with bad signature", zap.String("source", source))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := provider.Parse(body)
	if err != nil {
		rc.log.Warn("rejected malformed webhook", zap.String("source", source), zap.Error(err))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if err := rc.Handle(r.Context(), ev); err != nil {
		rc.log.Error("webhook handling failed", zap.String("run_handle", ev.RunHandle), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Handle applies one verified event. Unknown runs and jobs no longer in
// dispatched are acknowledged without side effects, which makes duplicate
// and late deliveries safe to replay.
func (rc *Receiver) Handle(ctx context.Context, ev Event) error {
	job, err := rc.store.GetJobByRunHandle(ctx, ev.RunHandle)
	if errors.Is(err, domain.ErrNotFound) {
		rc.log.Info("webhook for unknown run, acknowledging",
			zap.String("run_handle", ev.RunHandle))
		return nil
	}
	if err != nil {
		return err
	}
	if job.State != domain.Dispatched {
		rc.log.Info("webhook for job not awaiting completion, acknowledging",
			zap.String("job_id", job.ID.String()), zap.String("state", string(job.State)))
		return nil
	}

	switch ev.Outcome {
	case OutcomeSuccess:
		if err := rc.trans.Finalize(ctx, job.ID); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Another delivery won the transition.
				return nil
			}
			return err
		}
		rc.persistAsync(job, ev.Data)
		return nil
	case OutcomeFailure:
		cause := error(&domain.DispatchError{Transient: true, Message: ev.Error})
		if ev.Retryable != nil && !*ev.Retryable {
			cause = &domain.DispatchError{Transient: false, Message: ev.Error}
		}
		return rc.trans.HandleFailure(ctx, job.ID, cause)
	default:
		return errors.Errorf("unknown outcome %q", ev.Outcome)
	}
}

// persistAsync hands the payload to the sink without blocking the response.
// The semaphore is acquired inside the goroutine so a backlog of writes
// queues in the background instead of stalling the acknowledgement.
func (rc *Receiver) persistAsync(job *domain.Job, data json.RawMessage) {
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		rc.sem <- struct{}{}
		defer func() { <-rc.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := rc.sink.WriteResult(ctx, job, data); err != nil {
			rc.log.Error("persisting scrape result failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}()
}

// Drain waits for in-flight background writes, for graceful shutdown.
func (rc *Receiver) Drain() {
	rc.wg.Wait()
}
