package store

import (
	"context"

	"github.com/run-ci/composer/pipeline"
)

// Saver writes a session's document back to one stored pipeline.
type Saver struct {
	Store Updater
	ID    int
	// UpdatedBy is recorded on every save.
	UpdatedBy string
}

// Save stores doc and returns the new revision.
func (s Saver) Save(ctx context.Context, doc pipeline.Document) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p, err := s.Store.GetPipeline(s.ID)
	if err != nil {
		return 0, err
	}

	p.Document = doc
	p.UpdatedBy = s.UpdatedBy
	if err := s.Store.UpdatePipeline(&p); err != nil {
		logger.WithError(err).WithField("id", s.ID).Error("unable to save pipeline")
		return 0, err
	}

	return p.Revision, nil
}
