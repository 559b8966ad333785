package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps all records in process memory. It backs unit tests
// and the memory store driver; the conditional insert is serialised by a
// single mutex.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]TestRun
	rca  map[string]RCARecord
	seq  int64
	ord  map[string]int64
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]TestRun),
		rca:  make(map[string]RCARecord),
		ord:  make(map[string]int64),
	}
}

// CreateRunIfNoneRunning implements Store.
func (m *MemoryStore) CreateRunIfNoneRunning(ctx context.Context, run TestRun) (TestRun, bool, error) {
	if err := ctx.Err(); err != nil {
		return TestRun{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.runs {
		if existing.Type == run.Type && existing.Status == StatusRunning {
			return cloneRun(existing), false, nil
		}
	}

	m.seq++
	m.ord[run.ID] = m.seq
	m.runs[run.ID] = cloneRun(run)
	return cloneRun(run), true, nil
}

// UpdateRun implements Store.
func (m *MemoryStore) UpdateRun(ctx context.Context, run TestRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(ctx context.Context, id string) (TestRun, error) {
	if err := ctx.Err(); err != nil {
		return TestRun{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return TestRun{}, ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]TestRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]TestRun, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Type != "" && run.Type != filter.Type {
			continue
		}
		matched = append(matched, cloneRun(run))
	}

	sort.Slice(matched, func(i, j int) bool {
		return m.ord[matched[i].ID] > m.ord[matched[j].ID]
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// CreateRCARecord implements Store.
func (m *MemoryStore) CreateRCARecord(ctx context.Context, rec RCARecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rca[rec.TestID] = cloneRCA(rec)
	return nil
}

// GetRCARecord implements Store.
func (m *MemoryStore) GetRCARecord(ctx context.Context, testID string) (RCARecord, error) {
	if err := ctx.Err(); err != nil {
		return RCARecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.rca[testID]
	if !ok {
		return RCARecord{}, ErrNotFound
	}
	return cloneRCA(rec), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func cloneRun(run TestRun) TestRun {
	cloned := run
	if run.Metrics != nil {
		cloned.Metrics = make(map[string]float64, len(run.Metrics))
		for k, v := range run.Metrics {
			cloned.Metrics[k] = v
		}
	}
	if run.Logs != nil {
		cloned.Logs = append([]string(nil), run.Logs...)
	}
	if run.CompletedAt != nil {
		ts := *run.CompletedAt
		cloned.CompletedAt = &ts
	}
	return cloned
}

func cloneRCA(rec RCARecord) RCARecord {
	cloned := rec
	if rec.Recommendations != nil {
		cloned.Recommendations = append([]string(nil), rec.Recommendations...)
	}
	return cloned
}

var _ Store = (*MemoryStore)(nil)
