package reaper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSweeper struct {
	calls int32
	swept int
	err   error
}

func (m *mockSweeper) SweepOrphans(_ context.Context) (int, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.err != nil {
		return 0, m.err
	}
	return m.swept, nil
}

func TestRunNowReturnsSweptCount(t *testing.T) {
	sweeper := &mockSweeper{swept: 3}
	r := New(sweeper, time.Hour)

	n, err := r.RunNow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sweeper.calls))
}

func TestRunNowSwallowsSweepError(t *testing.T) {
	sweeper := &mockSweeper{err: errors.New("store unavailable")}
	r := New(sweeper, time.Hour)

	n, err := r.RunNow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStartStopTicksOnInterval(t *testing.T) {
	sweeper := &mockSweeper{}
	r := New(sweeper, 10*time.Millisecond)

	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&sweeper.calls) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopWaitsForGoroutineExit(t *testing.T) {
	sweeper := &mockSweeper{}
	r := New(sweeper, 5*time.Millisecond)
	r.Start(context.Background())

	r.Stop()

	select {
	case <-r.done:
	default:
		t.Fatal("done channel not closed after Stop")
	}
}

func TestSafeRunRecoversPanic(t *testing.T) {
	r := New(&mockSweeper{}, time.Hour)

	assert.NotPanics(t, func() {
		r.safeRun("boom", func() { panic("kaboom") })
	})
}
