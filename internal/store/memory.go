package store

import (
	"context"
	"sort"
	"sync"

	"github.com/loadforge/platform/internal/domain"
)

// Memory is an in-memory Store, used in tests and as the default when no
// DATABASE_URL is configured. All operations hold a single mutex; given
// the modest run volumes this control plane manages, this is not a
// contended bottleneck.
type Memory struct {
	mu      sync.Mutex
	records map[string]*domain.RunRecord
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*domain.RunRecord)}
}

func (m *Memory) Create(_ context.Context, record *domain.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ID]; exists {
		return domain.ErrDuplicateID
	}
	m.records[record.ID] = record.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (m *Memory) List(_ context.Context, limit int) ([]*domain.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*domain.RunRecord, 0, len(m.records))
	for _, r := range m.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*domain.RunRecord, len(all))
	for i, r := range all {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *Memory) ListNonTerminal(_ context.Context) ([]*domain.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.RunRecord
	for _, r := range m.records {
		if !r.Status.IsTerminal() {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *Memory) UpdateProgress(_ context.Context, id string, progress domain.ProgressMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status.IsTerminal() {
		return nil
	}
	r.Progress = progress
	return nil
}

func (m *Memory) UpdateIfStatus(_ context.Context, id string, expected domain.RunStatus, update Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.Status != expected {
		return false, nil
	}

	r.Status = update.Status
	if update.CompletedAt != nil {
		completedAt := *update.CompletedAt
		r.CompletedAt = &completedAt
	}
	r.Summary = update.Summary
	r.Error = update.Error
	return true, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

var _ Store = (*Memory)(nil)
