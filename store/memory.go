package store

import (
	"sort"
	"sync"
	"time"
)

// Memory is a PipelineStore that keeps everything in a map. It's meant
// for tests and local runs.
type Memory struct {
	mu     sync.Mutex
	nextID int
	db     map[int]Pipeline

	// now is swapped out by tests.
	now func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		nextID: 1,
		db:     map[int]Pipeline{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreatePipeline implements PipelineStore.
func (st *Memory) CreatePipeline(p *Pipeline) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	p.syncNames()
	for _, existing := range st.db {
		if existing.ProjectID == p.ProjectID && existing.Identifier == p.Identifier {
			return ErrDuplicatePipeline
		}
	}

	p.ID = st.nextID
	st.nextID++
	p.Revision = 1
	p.CreatedAt = st.now()
	p.UpdatedAt = p.CreatedAt

	st.db[p.ID] = *p

	logger.WithField("id", p.ID).Debug("pipeline saved in memory")
	return nil
}

// GetPipeline implements PipelineStore.
func (st *Memory) GetPipeline(id int) (Pipeline, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	p, ok := st.db[id]
	if !ok {
		return Pipeline{}, ErrPipelineNotFound
	}
	return p, nil
}

// GetPipelines implements PipelineStore.
func (st *Memory) GetPipelines(projectID int) ([]Pipeline, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ps := []Pipeline{}
	for _, p := range st.db {
		if p.ProjectID == projectID {
			ps = append(ps, p)
		}
	}

	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return ps, nil
}

// GetPipelineID implements PipelineStore.
func (st *Memory) GetPipelineID(projectID int, identifier string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for id, p := range st.db {
		if p.ProjectID == projectID && p.Identifier == identifier {
			return id, nil
		}
	}
	return 0, ErrNoPipelines
}

// UpdatePipeline implements PipelineStore.
func (st *Memory) UpdatePipeline(p *Pipeline) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	existing, ok := st.db[p.ID]
	if !ok {
		return ErrPipelineNotFound
	}

	p.syncNames()
	for id, other := range st.db {
		if id != p.ID && other.ProjectID == existing.ProjectID && other.Identifier == p.Identifier {
			return ErrDuplicatePipeline
		}
	}

	p.ProjectID = existing.ProjectID
	p.CreatedAt = existing.CreatedAt
	p.Revision = existing.Revision + 1
	p.UpdatedAt = st.now()

	st.db[p.ID] = *p
	return nil
}

// DeletePipeline implements PipelineStore.
func (st *Memory) DeletePipeline(id int) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.db[id]; !ok {
		return ErrPipelineNotFound
	}

	delete(st.db, id)
	return nil
}
