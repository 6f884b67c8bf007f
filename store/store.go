// Package store persists pipeline documents.
package store

import (
	"errors"
	"time"

	"github.com/run-ci/composer/pipeline"
	log "github.com/sirupsen/logrus"
)

var logger *log.Entry

var (
	// ErrPipelineNotFound is what's returned when a pipeline couldn't
	// be found in the store.
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrNoPipelines is returned by lookups that match no pipelines.
	ErrNoPipelines = errors.New("no pipelines found")
	// ErrDuplicatePipeline is returned when a project already has a
	// pipeline with the same identifier.
	ErrDuplicatePipeline = errors.New("pipeline identifier already in use")
)

func init() {
	logger = log.WithFields(log.Fields{
		"package": "store",
	})
}

// PipelineStore is everything the service needs from storage. Consumers
// should define their own interfaces with the subset they use.
type PipelineStore interface {
	// CreatePipeline saves p, setting its ID, revision and timestamps.
	// The identifier must be unique within the project.
	CreatePipeline(p *Pipeline) error
	// GetPipeline returns the pipeline with the given ID, or
	// ErrPipelineNotFound.
	GetPipeline(id int) (Pipeline, error)
	// GetPipelines lists a project's pipelines. The result is ordered
	// by ID and may be empty.
	GetPipelines(projectID int) ([]Pipeline, error)
	// GetPipelineID finds a pipeline by its document identifier. If
	// nothing matches it returns ErrNoPipelines.
	GetPipelineID(projectID int, identifier string) (int, error)
	// UpdatePipeline stores p's document and bumps its revision.
	UpdatePipeline(p *Pipeline) error
	// DeletePipeline removes the pipeline with the given ID, or
	// returns ErrPipelineNotFound.
	DeletePipeline(id int) error
}

// Updater is the part of a PipelineStore that writes documents back.
type Updater interface {
	GetPipeline(id int) (Pipeline, error)
	UpdatePipeline(p *Pipeline) error
}

// Pipeline is a stored pipeline document.
type Pipeline struct {
	ID         int    `json:"id"`
	ProjectID  int    `json:"project_id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`

	// Revision starts at 1 and goes up by one with every update.
	Revision  int       `json:"revision"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Document goes over the wire in its own format, never as part of
	// this struct's JSON.
	Document pipeline.Document `json:"-"`
}

// syncNames copies the document's identifier and name onto p so they
// can be queried without decoding the document.
func (p *Pipeline) syncNames() {
	p.Identifier = p.Document.Identifier
	p.Name = p.Document.Name
}
