package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/run-ci/composer/pipeline"
	"github.com/run-ci/composer/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const never = time.Hour

type fakeSaver struct {
	mu    sync.Mutex
	saved []pipeline.Document
	err   error
}

func (f *fakeSaver) Save(ctx context.Context, doc pipeline.Document) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return 0, f.err
	}
	f.saved = append(f.saved, doc)
	return len(f.saved), nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type countingSchema struct {
	mu    sync.Mutex
	calls int
	diags []schema.Diagnostic
	err   error
}

func (c *countingSchema) check(ctx context.Context, doc []byte) ([]schema.Diagnostic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	return c.diags, c.err
}

func (c *countingSchema) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func emptyStage() pipeline.Document {
	return pipeline.Document{
		Identifier: "p",
		Stages:     []pipeline.Stage{{Identifier: "s1"}},
	}
}

func TestApplyRevalidates(t *testing.T) {
	s := New(emptyStage(), Config{})
	defer s.Close()

	assert.Equal(t, []string{"stages[0].steps"}, s.Snapshot().Errors.Paths())

	change, err := s.Apply(AddStep(pipeline.StagePath(0), pipeline.Step{Identifier: "step1", Spec: pipeline.RunSpec{}}))
	require.NoError(t, err)
	assert.Equal(t, "stages[0].steps[0]", change.Path.String())
	assert.Equal(t, []string{"stages[0].steps[0].spec.command"}, s.Snapshot().Errors.Paths())

	_, err = s.Apply(EditStep(change.Path, pipeline.Step{Identifier: "step1", Spec: pipeline.RunSpec{Command: "echo hello"}}))
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Errors)
	assert.True(t, s.Snapshot().Dirty)
}

func TestApplyIgnoresStructuralErrors(t *testing.T) {
	var changes []pipeline.Change
	s := New(emptyStage(), Config{OnChange: func(c pipeline.Change) { changes = append(changes, c) }})
	defer s.Close()

	_, err := s.Apply(RemoveStep(pipeline.MustParsePath("stages[0].steps[3]")))
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))

	snap := s.Snapshot()
	assert.Equal(t, emptyStage(), snap.Document)
	assert.False(t, snap.Dirty)
	assert.Empty(t, changes)
}

func TestApplyKeepsDuplicates(t *testing.T) {
	s := New(emptyStage(), Config{})
	defer s.Close()

	step := pipeline.Step{Identifier: "twin", Spec: pipeline.RunSpec{Command: "true"}}
	_, err := s.Apply(AddStep(pipeline.StagePath(0), step))
	require.NoError(t, err)
	_, err = s.Apply(AddStep(pipeline.StagePath(0), step))
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Len(t, snap.Document.Stages[0].Steps, 2)
	assert.Equal(t, 1, snap.Errors.Count(pipeline.CodeDuplicateIdentifier))
}

func TestApplyReportsChanges(t *testing.T) {
	var changes []pipeline.Change
	s := New(emptyStage(), Config{OnChange: func(c pipeline.Change) { changes = append(changes, c) }})
	defer s.Close()

	a := pipeline.Step{Identifier: "a", Spec: pipeline.RunSpec{Command: "true"}}
	b := pipeline.Step{Identifier: "b", Spec: pipeline.RunSpec{Command: "true"}}

	for _, m := range []Mutation{
		AddStep(pipeline.StagePath(0), a),
		AddStep(pipeline.StagePath(0), b),
		MoveStep(pipeline.MustParsePath("stages[0].steps[1]"), pipeline.MustParsePath("stages[0].steps[0]")),
		RemoveStep(pipeline.MustParsePath("stages[0].steps[1]")),
	} {
		_, err := s.Apply(m)
		require.NoError(t, err, m.String())
	}

	kinds := make([]pipeline.ChangeKind, 0, len(changes))
	for _, c := range changes {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []pipeline.ChangeKind{
		pipeline.ChangeAdded,
		pipeline.ChangeAdded,
		pipeline.ChangeMoved,
		pipeline.ChangeRemoved,
	}, kinds)

	steps := s.Snapshot().Document.Stages[0].Steps
	require.Len(t, steps, 1)
	assert.Equal(t, "b", steps[0].ID())
}

func TestReplace(t *testing.T) {
	s := New(emptyStage(), Config{})
	defer s.Close()

	next := pipeline.Document{Identifier: "q"}
	change, err := s.Apply(Replace(next))
	require.NoError(t, err)
	assert.Equal(t, pipeline.ChangeEdited, change.Kind)
	assert.Equal(t, next, s.Snapshot().Document)
}

func TestSchemaCheckIsDebounced(t *testing.T) {
	checker := &countingSchema{diags: []schema.Diagnostic{{Line: 1, Column: 1, Path: "/pipeline", Message: "nope"}}}
	s := New(emptyStage(), Config{Schema: checker.check, ValidateDelay: never})
	defer s.Close()

	for i := 0; i < 5; i++ {
		_, err := s.Apply(AddStep(pipeline.StagePath(0), pipeline.Step{Identifier: "x"}))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, checker.count())

	s.Flush()
	assert.Equal(t, 1, checker.count())
	assert.Equal(t, checker.diags, s.Snapshot().Diagnostics)

	s.Flush()
	assert.Equal(t, 1, checker.count())
}

func TestSchemaCheckRunsAfterDelay(t *testing.T) {
	checker := &countingSchema{diags: []schema.Diagnostic{}}
	s := New(emptyStage(), Config{Schema: checker.check, ValidateDelay: 10 * time.Millisecond})
	defer s.Close()

	require.Eventually(t, func() bool { return checker.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchemaParseFailureBanner(t *testing.T) {
	checker := &countingSchema{err: &schema.ParseError{Line: 3, Msg: "bad"}}
	s := New(emptyStage(), Config{Schema: checker.check, ValidateDelay: never})
	defer s.Close()

	s.Flush()
	snap := s.Snapshot()
	require.Error(t, snap.Banner)
	assert.True(t, errors.Is(snap.Banner, schema.ErrSchemaParse))

	checker.mu.Lock()
	checker.err = nil
	checker.diags = []schema.Diagnostic{}
	checker.mu.Unlock()

	s.Retry()
	assert.NoError(t, s.Snapshot().Banner)
	assert.Equal(t, 2, checker.count())
}

func TestSchemaCheckWithDefaultValidator(t *testing.T) {
	doc := emptyStage()
	doc.Stages[0].Steps = pipeline.Graph{pipeline.Step{Identifier: "bad id", Spec: pipeline.RunSpec{Command: "true"}}}

	s := New(doc, Config{Schema: schema.Default().Func(), ValidateDelay: never})
	defer s.Close()

	s.Flush()
	diags := s.Snapshot().Diagnostics
	require.Len(t, diags, 1)
	assert.Equal(t, "/pipeline/stages/0/stage/spec/execution/steps/0/step/identifier", diags[0].Path)
}

func TestAutosave(t *testing.T) {
	saver := &fakeSaver{}
	s := New(emptyStage(), Config{Saver: saver, SaveDelay: 10 * time.Millisecond, Revision: 7})
	defer s.Close()

	assert.Equal(t, 7, s.Snapshot().Revision)

	_, err := s.Apply(AddStep(pipeline.StagePath(0), pipeline.Step{Identifier: "a"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !s.Snapshot().Dirty }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, saver.count())
	assert.Equal(t, 1, s.Snapshot().Revision)
}

func TestAutosaveFailureStaysDirty(t *testing.T) {
	saver := &fakeSaver{err: errors.New("disk full")}
	s := New(emptyStage(), Config{Saver: saver, SaveDelay: never})
	defer s.Close()

	_, err := s.Apply(AddStep(pipeline.StagePath(0), pipeline.Step{Identifier: "a"}))
	require.NoError(t, err)

	s.Flush()
	snap := s.Snapshot()
	assert.True(t, snap.Dirty)
	assert.EqualError(t, snap.SaveErr, "disk full")
}

func TestCloseDropsPendingWork(t *testing.T) {
	saver := &fakeSaver{}
	s := New(emptyStage(), Config{Saver: saver, SaveDelay: never})

	_, err := s.Apply(AddStep(pipeline.StagePath(0), pipeline.Step{Identifier: "a"}))
	require.NoError(t, err)

	s.Close()
	s.Flush()
	assert.Equal(t, 0, saver.count())
}

func TestLookupConnectorsDropsStaleResults(t *testing.T) {
	s := New(emptyStage(), Config{})
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	slow := ConnectorSourceFunc(func(ctx context.Context, query string) ([]Connector, error) {
		close(started)
		<-release
		return []Connector{{Identifier: "old"}}, nil
	})
	fast := ConnectorSourceFunc(func(ctx context.Context, query string) ([]Connector, error) {
		return []Connector{{Identifier: "k8s", Type: "K8sCluster"}}, nil
	})

	done := make(chan bool)
	go func() {
		_, kept, _ := s.LookupConnectors(context.Background(), slow, "o")
		done <- kept
	}()
	<-started

	found, kept, err := s.LookupConnectors(context.Background(), fast, "k8")
	require.NoError(t, err)
	assert.True(t, kept)
	assert.Equal(t, "k8s", found[0].Identifier)

	close(release)
	assert.False(t, <-done)
	assert.Equal(t, []Connector{{Identifier: "k8s", Type: "K8sCluster"}}, s.Snapshot().Connectors)
}
