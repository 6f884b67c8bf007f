// Package session holds one pipeline document while it's being edited.
// Edits apply one at a time. Each one revalidates the document right
// away and schedules the slower schema check and autosave behind
// debouncers.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/run-ci/composer/pipeline"
	"github.com/run-ci/composer/schema"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

func init() {
	logger = logrus.WithField("package", "session")
}

// Default debounce delays.
const (
	DefaultValidateDelay = 200 * time.Millisecond
	DefaultSaveDelay     = 300 * time.Millisecond
)

// Saver persists a document and returns the revision it was stored as.
type Saver interface {
	Save(ctx context.Context, doc pipeline.Document) (int, error)
}

// Config wires a Session to its collaborators. Every field is optional.
type Config struct {
	// Schema checks the serialized document after edits settle.
	Schema schema.Func
	// Saver persists the document after edits settle.
	Saver Saver
	// OnChange is called after every applied mutation.
	OnChange func(pipeline.Change)

	ValidateDelay time.Duration
	SaveDelay     time.Duration
	// Revision is the stored revision the document was loaded at.
	Revision int
}

// Mutation is one edit to the document.
type Mutation struct {
	name  string
	apply func(pipeline.Document) (pipeline.Document, pipeline.Change, error)
}

func (m Mutation) String() string { return m.name }

// AddStep inserts n at p. A stage path appends to that stage.
func AddStep(p pipeline.Path, n pipeline.Node) Mutation {
	return Mutation{"addStep", func(doc pipeline.Document) (pipeline.Document, pipeline.Change, error) {
		return pipeline.AddStep(doc, p, n)
	}}
}

// EditStep replaces the step at p.
func EditStep(p pipeline.Path, s pipeline.Step) Mutation {
	return Mutation{"editStep", func(doc pipeline.Document) (pipeline.Document, pipeline.Change, error) {
		return pipeline.EditStep(doc, p, s)
	}}
}

// RemoveStep deletes the node at p.
func RemoveStep(p pipeline.Path) Mutation {
	return Mutation{"removeStep", func(doc pipeline.Document) (pipeline.Document, pipeline.Change, error) {
		return pipeline.RemoveStep(doc, p)
	}}
}

// MoveStep moves the node at from to to.
func MoveStep(from, to pipeline.Path) Mutation {
	return Mutation{"moveStep", func(doc pipeline.Document) (pipeline.Document, pipeline.Change, error) {
		return pipeline.MoveStep(doc, from, to)
	}}
}

// Replace swaps in a whole new document, as when the YAML is edited
// directly.
func Replace(next pipeline.Document) Mutation {
	return Mutation{"replace", func(pipeline.Document) (pipeline.Document, pipeline.Change, error) {
		return next, pipeline.Change{Kind: pipeline.ChangeEdited, Identifier: next.Identifier}, nil
	}}
}

// Snapshot is a consistent view of a session.
type Snapshot struct {
	Document    pipeline.Document
	Errors      pipeline.ErrorMap
	Diagnostics []schema.Diagnostic
	// Banner is set when the last schema check couldn't parse the
	// document. It stays until a check succeeds.
	Banner     error
	Connectors []Connector
	Dirty      bool
	Revision   int
	SaveErr    error
}

// Session owns one document.
type Session struct {
	mu       sync.Mutex
	doc      pipeline.Document
	errs     pipeline.ErrorMap
	version  int
	saved    int
	revision int
	saveErr  error

	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	schemaResult Latest[[]schema.Diagnostic]
	connectors   Latest[[]Connector]

	validation *Debouncer
	autosave   *Debouncer
	saveMu     sync.Mutex
}

// New opens a session on doc.
func New(doc pipeline.Document, cfg Config) *Session {
	if cfg.ValidateDelay <= 0 {
		cfg.ValidateDelay = DefaultValidateDelay
	}
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = DefaultSaveDelay
	}

	s := &Session{
		doc:      doc,
		errs:     pipeline.Validate(doc),
		revision: cfg.Revision,
		cfg:      cfg,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.validation = NewDebouncer(cfg.ValidateDelay, s.checkSchema)
	s.autosave = NewDebouncer(cfg.SaveDelay, s.save)

	if cfg.Schema != nil {
		s.validation.Trigger()
	}

	return s
}

// Apply runs m against the current document. If m fails with anything
// but a duplicate identifier the document is left as it was and the
// error is returned. Duplicates are applied and show up in the error
// map instead.
func (s *Session) Apply(m Mutation) (pipeline.Change, error) {
	s.mu.Lock()

	next, change, err := m.apply(s.doc)
	if err != nil && !errors.Is(err, pipeline.ErrDuplicateIdentifier) {
		s.mu.Unlock()
		logger.WithError(err).WithField("mutation", m.String()).Warn("ignoring mutation")
		return change, err
	}

	s.doc = next
	s.errs = pipeline.Validate(next)
	s.version++
	s.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"mutation": m.String(),
		"kind":     change.Kind,
		"path":     change.Path.String(),
	}).Debug("applied mutation")

	if s.cfg.OnChange != nil {
		s.cfg.OnChange(change)
	}
	if s.cfg.Schema != nil {
		s.validation.Trigger()
	}
	if s.cfg.Saver != nil {
		s.autosave.Trigger()
	}

	return change, nil
}

// Retry reruns the schema check now, as after a parse failure.
func (s *Session) Retry() {
	if s.cfg.Schema == nil {
		return
	}
	s.validation.Trigger()
	s.validation.Flush()
}

// Flush runs any pending schema check and save without waiting for
// their delays.
func (s *Session) Flush() {
	s.validation.Flush()
	s.autosave.Flush()
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Document: s.doc,
		Errors:   s.errs,
		Dirty:    s.version != s.saved,
		Revision: s.revision,
		SaveErr:  s.saveErr,
	}
	s.mu.Unlock()

	diags, err := s.schemaResult.Get()
	snap.Diagnostics = diags
	if errors.Is(err, schema.ErrSchemaParse) {
		snap.Banner = err
	}

	snap.Connectors, _ = s.connectors.Get()
	return snap
}

// Close stops the timers. Pending work is dropped.
func (s *Session) Close() {
	s.validation.Stop()
	s.autosave.Stop()
	s.cancel()
}

func (s *Session) checkSchema() {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	req := s.schemaResult.Issue()

	raw, err := pipeline.EncodeYAML(doc)
	if err != nil {
		logger.WithError(err).Error("unable to encode document for schema validation")
		return
	}

	diags, err := s.cfg.Schema(s.ctx, raw)
	if err != nil && !errors.Is(err, schema.ErrSchemaParse) {
		logger.WithError(err).Warn("schema validation failed")
		return
	}

	if !s.schemaResult.Resolve(req, diags, err) {
		logger.Debug("dropping stale schema validation")
	}
}

func (s *Session) save() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	doc, version := s.doc, s.version
	s.mu.Unlock()

	revision, err := s.cfg.Saver.Save(s.ctx, doc)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveErr = err
	if err != nil {
		logger.WithError(err).Error("unable to save document")
		return
	}

	s.saved = version
	s.revision = revision
	logger.WithField("revision", revision).Debug("saved document")
}
