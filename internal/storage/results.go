package storage

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/reviewbeam/scrapeq/internal/domain"
)

// WriteResult lands a fetched payload for each of the job's targets. This is
// the handoff point to the review pipeline, which reads scrape_results
// independently of this subsystem.
func (s *Store) WriteResult(ctx context.Context, job *domain.Job, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	for _, target := range job.Targets {
		if _, err := tx.Exec(ctx, `insert into scrape_results (target_ref, kind, payload)
values ($1, $2, $3)`, target, job.Kind, data); err != nil {
			return errors.Wrap(err, "insert scrape result")
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}
