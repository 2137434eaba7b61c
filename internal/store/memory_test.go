package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/platform/internal/domain"
)

func newRunning(id string) *domain.RunRecord {
	return &domain.RunRecord{
		ID:        id,
		SpecID:    "spec-1",
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now(),
	}
}

func TestMemoryCreateRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, newRunning("run-1")))
	err := m.Create(ctx, newRunning("run-1"))
	assert.ErrorIs(t, err, domain.ErrDuplicateID)
}

func TestMemoryGetMissingReturnsNilNil(t *testing.T) {
	m := NewMemory()
	record, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestMemoryUpdateIfStatusAppliesOnlyOnMatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newRunning("run-1")))

	now := time.Now()
	applied, err := m.UpdateIfStatus(ctx, "run-1", domain.RunStatusRunning, Update{
		Status:      domain.RunStatusCompleted,
		CompletedAt: &now,
		Summary:     &domain.Summary{TotalRequests: 100},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	record, err := m.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, record.Status)
	require.NotNil(t, record.Summary)
	assert.Equal(t, int64(100), record.Summary.TotalRequests)

	// A second terminal transition racing the first must not re-apply.
	applied, err = m.UpdateIfStatus(ctx, "run-1", domain.RunStatusRunning, Update{
		Status: domain.RunStatusFailed,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	record, err = m.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, record.Status, "status must not flip after it has already gone terminal")
}

func TestMemoryListOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		r := newRunning(id)
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.Create(ctx, r))
	}

	runs, err := m.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
}

func TestMemoryListNonTerminalExcludesCompleted(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newRunning("run-1")))
	require.NoError(t, m.Create(ctx, newRunning("run-2")))

	now := time.Now()
	_, err := m.UpdateIfStatus(ctx, "run-2", domain.RunStatusRunning, Update{
		Status:      domain.RunStatusCompleted,
		CompletedAt: &now,
	})
	require.NoError(t, err)

	active, err := m.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "run-1", active[0].ID)
}

func TestMemoryDeleteMissingReturnsNotFound(t *testing.T) {
	m := NewMemory()
	err := m.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateProgressIgnoredAfterTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newRunning("run-1")))

	now := time.Now()
	_, err := m.UpdateIfStatus(ctx, "run-1", domain.RunStatusRunning, Update{
		Status:      domain.RunStatusStopped,
		CompletedAt: &now,
	})
	require.NoError(t, err)

	require.NoError(t, m.UpdateProgress(ctx, "run-1", domain.ProgressMetrics{TotalRequests: 999}))

	record, err := m.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, record.Progress.TotalRequests, "a late progress write must not resurrect a terminal run's metrics")
}

func TestMemoryGetReturnsIndependentCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newRunning("run-1")))

	a, err := m.Get(ctx, "run-1")
	require.NoError(t, err)
	a.Progress.TotalRequests = 42

	b, err := m.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, b.Progress.TotalRequests, "mutating a returned record must not affect the stored copy")
}
