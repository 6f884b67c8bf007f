package store

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/run-ci/composer/pipeline"
	log "github.com/sirupsen/logrus"
)

// uniqueViolation is the Postgres error code for a broken UNIQUE
// constraint.
const uniqueViolation = "23505"

const sqlschema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id SERIAL PRIMARY KEY,
	project_id INTEGER NOT NULL,
	identifier TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	revision INTEGER NOT NULL DEFAULT 1,
	updated_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	document TEXT NOT NULL,
	UNIQUE (project_id, identifier)
);
`

// Postgres is a PostgreSQL database that's also a PipelineStore.
// Documents are stored in their YAML wire format.
type Postgres struct {
	db *sql.DB
}

// NewPostgres returns a PipelineStore backed by PostgreSQL. It connects to the
// database using connstr.
func NewPostgres(connstr string) (*Postgres, error) {
	logger := logger.WithField("store", "postgres")
	logger.Debug("connecting to database")

	db, err := sql.Open("postgres", connstr)
	if err != nil {
		logger.WithError(err).Debug("unable to connect to database")
		return nil, err
	}

	return &Postgres{
		db: db,
	}, nil
}

// Migrate creates the pipelines table if it doesn't exist.
func (st *Postgres) Migrate() error {
	_, err := st.db.Exec(sqlschema)
	if err != nil {
		logger.WithError(err).Debug("unable to create schema")
	}
	return err
}

// Close closes the database connection pool.
func (st *Postgres) Close() error {
	return st.db.Close()
}

// CreatePipeline saves a Pipeline to Postgres.
func (st *Postgres) CreatePipeline(p *Pipeline) error {
	p.syncNames()

	logger := logger.WithFields(log.Fields{
		"project_id": p.ProjectID,
		"identifier": p.Identifier,
		"query":      "create_pipeline",
	})

	doc, err := pipeline.EncodeYAML(p.Document)
	if err != nil {
		logger.WithError(err).Debug("unable to encode document")
		return err
	}

	sqlinsert := `
	INSERT INTO pipelines (project_id, identifier, name, updated_by, document)
	VALUES
		($1, $2, $3, $4, $5)
	RETURNING id, revision, created_at, updated_at;
	`

	logger.Debug("saving pipeline")

	// Using QueryRow because the insert is returning the generated columns.
	err = st.db.QueryRow(sqlinsert, p.ProjectID, p.Identifier, p.Name, p.UpdatedBy, string(doc)).
		Scan(&p.ID, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		logger.WithError(err).Debug("unable to insert pipeline")
		return mapErr(err)
	}

	logger.WithField("id", p.ID).Debug("pipeline saved")
	return nil
}

// GetPipeline retrieves the Pipeline with the given id from postgres.
func (st *Postgres) GetPipeline(id int) (Pipeline, error) {
	logger := logger.WithField("id", id)
	logger.Debug("getting pipeline from postgres")

	sqlq := `
	SELECT id, project_id, identifier, name, revision, updated_by,
		created_at, updated_at, document
	FROM pipelines
	WHERE id = $1;
	`

	p, err := scanPipeline(st.db.QueryRow(sqlq, id))
	if err == sql.ErrNoRows {
		return Pipeline{}, ErrPipelineNotFound
	}
	if err != nil {
		logger.WithError(err).Debug("unable to query database")
		return Pipeline{}, err
	}

	return p, nil
}

// GetPipelines returns the pipelines of the project with the given id.
func (st *Postgres) GetPipelines(projectID int) ([]Pipeline, error) {
	sqlq := `
	SELECT id, project_id, identifier, name, revision, updated_by,
		created_at, updated_at, document
	FROM pipelines
	WHERE project_id = $1
	ORDER BY id;
	`

	logger := logger.WithFields(log.Fields{
		"project_id": projectID,
		"query":      "get_pipelines",
	})

	rows, err := st.db.Query(sqlq, projectID)
	if err != nil {
		logger.WithError(err).Debug("unable to query postgres for pipelines")
		return nil, err
	}
	defer rows.Close()

	ps := []Pipeline{}
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			logger.WithError(err).Debug("unable to scan row")
			return ps, err
		}

		ps = append(ps, p)
	}

	return ps, rows.Err()
}

// GetPipelineID queries Postgres for the ID of the pipeline matching the
// filters. If no pipelines are found it returns ErrNoPipelines.
func (st *Postgres) GetPipelineID(projectID int, identifier string) (id int, err error) {
	logger := logger.WithFields(log.Fields{
		"project_id": projectID,
		"identifier": identifier,
		"query":      "get_pipeline_id",
	})

	sqlq := `
	SELECT id
	FROM pipelines
	WHERE project_id = $1
		AND identifier = $2;
	`

	logger.Debug("retrieving id from postgres")

	err = st.db.QueryRow(sqlq, projectID, identifier).Scan(&id)
	if err == sql.ErrNoRows {
		err = ErrNoPipelines
	}

	return
}

// UpdatePipeline stores the new document and bumps the revision.
func (st *Postgres) UpdatePipeline(p *Pipeline) error {
	p.syncNames()

	logger := logger.WithFields(log.Fields{
		"id":    p.ID,
		"query": "update_pipeline",
	})

	doc, err := pipeline.EncodeYAML(p.Document)
	if err != nil {
		logger.WithError(err).Debug("unable to encode document")
		return err
	}

	sqlupdate := `
	UPDATE pipelines
	SET identifier = $2, name = $3, updated_by = $4, document = $5,
		revision = revision + 1, updated_at = now()
	WHERE id = $1
	RETURNING project_id, revision, created_at, updated_at;
	`

	logger.Debug("updating pipeline")

	err = st.db.QueryRow(sqlupdate, p.ID, p.Identifier, p.Name, p.UpdatedBy, string(doc)).
		Scan(&p.ProjectID, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrPipelineNotFound
	}
	if err != nil {
		logger.WithError(err).Debug("unable to update pipeline")
		return mapErr(err)
	}

	return nil
}

// DeletePipeline removes the pipeline with the given id.
func (st *Postgres) DeletePipeline(id int) error {
	logger := logger.WithField("id", id)
	logger.Debug("deleting pipeline")

	res, err := st.db.Exec(`DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		logger.WithError(err).Debug("unable to delete pipeline")
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPipelineNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPipeline(row scanner) (Pipeline, error) {
	var p Pipeline
	var doc string

	err := row.Scan(&p.ID, &p.ProjectID, &p.Identifier, &p.Name, &p.Revision, &p.UpdatedBy,
		&p.CreatedAt, &p.UpdatedAt, &doc)
	if err != nil {
		return p, err
	}

	p.Document, err = pipeline.Decode([]byte(doc))
	return p, err
}

// mapErr turns driver errors the callers care about into this
// package's errors.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicatePipeline
	}
	return err
}
