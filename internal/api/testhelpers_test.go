package api_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loadforge/platform/internal/api"
	"github.com/loadforge/platform/internal/domain"
	"github.com/loadforge/platform/internal/eventbus"
	"github.com/loadforge/platform/internal/orchestrator"
	"github.com/loadforge/platform/internal/store"
)

// testLogger discards output so test runs stay quiet.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubResolver is a fixed-contents specresolver.Registry stand-in: tests
// register the specs they need directly, avoiding a dependency on the YAML
// seed-file path.
type stubResolver struct {
	specs map[string]*domain.ResolvedSpec
	err   error
}

func newStubResolver() *stubResolver {
	return &stubResolver{specs: make(map[string]*domain.ResolvedSpec)}
}

func (r *stubResolver) Resolve(_ context.Context, specID string) (*domain.ResolvedSpec, error) {
	if r.err != nil {
		return nil, r.err
	}
	spec, ok := r.specs[specID]
	if !ok {
		return nil, domain.ErrSpecNotFound
	}
	if err := spec.Spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (r *stubResolver) register(spec domain.Spec) {
	r.specs[spec.ID] = &domain.ResolvedSpec{Spec: spec}
}

// hangingWorkerBin writes a worker stand-in that sleeps until killed. Runs
// started through the real Orchestrator stay live for the duration of a
// test instead of racing it, so admission/active-list assertions hold
// deterministically; Orchestrator.Shutdown reaps the children in cleanup.
func hangingWorkerBin(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755))
	return path
}

// testServer bundles the pieces needed to build an api.Server against an
// in-memory store. Most tests only reach the admission and store-read
// paths; the ones that do start a run get the hanging worker stand-in.
type testServer struct {
	srv    *api.Server
	store  store.Store
	bus    *eventbus.Bus
	orch   *orchestrator.Orchestrator
	resolv *stubResolver
}

func newTestServer(t *testing.T, maxWorkers int) *testServer {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New(eventbus.Options{SubscriberQueue: 16, TerminalGrace: 2 * time.Second})
	resolver := newStubResolver()
	orch := orchestrator.New(st, bus, resolver, orchestrator.Config{
		WorkerBin:      hangingWorkerBin(t),
		WorkerTimeout:  time.Minute,
		KillGrace:      time.Second,
		MaxConcurrency: maxWorkers,
	}, testLogger())
	t.Cleanup(orch.Shutdown)

	return &testServer{
		srv: &api.Server{
			Orchestrator: orch,
			Store:        st,
			Bus:          bus,
		},
		store:  st,
		bus:    bus,
		orch:   orch,
		resolv: resolver,
	}
}

func seedRunRecord(st store.Store, r *domain.RunRecord) {
	_ = st.Create(context.Background(), r)
}
