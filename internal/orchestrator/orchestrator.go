// Package orchestrator implements the run orchestrator: run admission
// under a concurrency cap, Supervisor attachment, translation of worker
// messages into run store writes and event bus publishes, and the
// restart/orphan sweep that guarantees no record is left stuck in
// "running" once its Supervisor is gone.
//
// There is exactly one translation goroutine per run (not a shared poll
// loop), which is what gives subscribers a strict per-run event order
// with exactly one terminal event.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loadforge/platform/internal/domain"
	"github.com/loadforge/platform/internal/eventbus"
	"github.com/loadforge/platform/internal/store"
	"github.com/loadforge/platform/internal/supervisor"
	"github.com/loadforge/platform/internal/wire"
)

// SpecResolver is the boundary to whatever owns test specifications. The
// Orchestrator only needs to resolve a spec id to a ready-to-run spec; it
// never learns how that resolution happens.
type SpecResolver interface {
	Resolve(ctx context.Context, specID string) (*domain.ResolvedSpec, error)
}

// ActiveRun is a snapshot of one in-flight run, as reported by listActive.
type ActiveRun struct {
	RunID          string
	SpecID         string
	StartedAt      time.Time
	ElapsedSeconds float64
}

// activeRun is the Orchestrator's private bookkeeping for one in-flight run.
type activeRun struct {
	specID    string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Config bounds an Orchestrator's worker lifecycle behavior.
type Config struct {
	WorkerBin      string
	WorkerTimeout  time.Duration
	KillGrace      time.Duration
	MaxConcurrency int
}

// Orchestrator is the top-level run-management component.
type Orchestrator struct {
	store    store.Store
	bus      *eventbus.Bus
	resolver SpecResolver
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// New creates an Orchestrator. logger must be non-nil.
func New(st store.Store, bus *eventbus.Bus, resolver SpecResolver, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		bus:      bus,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		active:   make(map[string]*activeRun),
	}
}

// StartRun admits a new run against the spec named by specID.
// Admission (capacity check + registry reservation) is a single critical
// section, making concurrent StartRun calls linearizable with respect to
// the concurrency cap.
func (o *Orchestrator) StartRun(ctx context.Context, specID string) (string, error) {
	resolved, err := o.resolver.Resolve(ctx, specID)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	startedAt := time.Now()
	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if len(o.active) >= o.cfg.MaxConcurrency {
		o.mu.Unlock()
		cancel()
		return "", domain.ErrCapacityExhausted
	}
	ar := &activeRun{specID: specID, startedAt: startedAt, cancel: cancel, done: make(chan struct{})}
	o.active[runID] = ar
	o.mu.Unlock()

	record := &domain.RunRecord{
		ID:        runID,
		SpecID:    specID,
		Status:    domain.RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := o.store.Create(ctx, record); err != nil {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("create run record: %w", err)
	}

	go o.runTask(runCtx, runID, resolved, ar)
	return runID, nil
}

// runTask owns a run end-to-end: every store write and bus publish for
// this run originates from this goroutine alone, which is what keeps the
// event stream ordered and the terminal event last.
func (o *Orchestrator) runTask(ctx context.Context, runID string, spec *domain.ResolvedSpec, ar *activeRun) {
	defer close(ar.done)
	defer o.deregister(runID)

	sup := supervisor.New(o.cfg.WorkerBin, o.cfg.WorkerTimeout, o.cfg.KillGrace)

	var last domain.ProgressMetrics
	handlers := supervisor.Handlers{
		OnProgress: func(p wire.Progress) {
			metrics := progressFromWire(p)
			metrics.TotalRequests = max(metrics.TotalRequests, last.TotalRequests)
			metrics.SuccessfulRequests = max(metrics.SuccessfulRequests, last.SuccessfulRequests)
			metrics.FailedRequests = max(metrics.FailedRequests, last.FailedRequests)
			metrics.ElapsedTime = max(metrics.ElapsedTime, last.ElapsedTime)
			last = metrics
			if err := o.store.UpdateProgress(context.Background(), runID, metrics); err != nil {
				o.logger.Warn("progress write failed", "run_id", runID, "error", err)
			}
			o.bus.Publish(eventbus.Event{Type: eventbus.EventProgress, RunID: runID, Payload: metrics})
		},
		OnLog: func(l wire.Log) {
			o.bus.Publish(eventbus.Event{Type: eventbus.EventLog, RunID: runID, Payload: l})
		},
	}

	o.logger.Info("run starting", "run_id", runID, "spec_id", ar.specID)
	result := sup.Run(ctx, runID, spec, handlers)
	o.translateTerminal(runID, result)
}

// translateTerminal applies a Supervisor's terminal Result: exactly one
// store CAS and, only if that CAS applied, exactly one bus publish.
func (o *Orchestrator) translateTerminal(runID string, result supervisor.Result) {
	ctx := context.Background()
	now := time.Now()

	var update store.Update
	var eventType eventbus.EventType
	var payload any

	switch result.Reason {
	case supervisor.DeathReasonComplete:
		summary := completeToSummary(result.Complete)
		update = store.Update{Status: domain.RunStatusCompleted, CompletedAt: &now, Summary: summary}
		eventType = eventbus.EventComplete
		payload = summary

	case supervisor.DeathReasonStopped:
		update = store.Update{Status: domain.RunStatusStopped, CompletedAt: &now}
		eventType = eventbus.EventStopped

	default:
		runErr := &domain.RunError{Message: failureMessage(result), Timestamp: now}
		update = store.Update{Status: domain.RunStatusFailed, CompletedAt: &now, Error: runErr}
		eventType = eventbus.EventFailed
		payload = runErr
	}

	applied, err := o.store.UpdateIfStatus(ctx, runID, domain.RunStatusRunning, update)
	if err != nil {
		o.logger.Error("terminal store update failed", "run_id", runID, "error", err)
		return
	}
	if !applied {
		o.logger.Info("terminal transition skipped: run already terminal", "run_id", runID)
		return
	}
	o.bus.Publish(eventbus.Event{Type: eventType, RunID: runID, Payload: payload})
	o.logger.Info("run finished", "run_id", runID, "reason", result.Reason)
}

func (o *Orchestrator) deregister(runID string) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()
}

// StopRun issues a stop: a no-op on an already-terminal run, a
// store repair for an orphaned "running" record with no live Supervisor,
// or a synchronous cancellation that blocks until the run's task has
// written its terminal record and published its terminal event.
func (o *Orchestrator) StopRun(ctx context.Context, runID string) error {
	record, err := o.store.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run record: %w", err)
	}
	if record == nil {
		return domain.ErrRunNotFound
	}
	if record.Status.IsTerminal() {
		return nil
	}

	o.mu.Lock()
	ar, tracked := o.active[runID]
	o.mu.Unlock()

	if !tracked {
		now := time.Now()
		applied, err := o.store.UpdateIfStatus(ctx, runID, domain.RunStatusRunning, store.Update{
			Status:      domain.RunStatusStopped,
			CompletedAt: &now,
		})
		if err != nil {
			return fmt.Errorf("repair orphaned run: %w", err)
		}
		if applied {
			o.bus.Publish(eventbus.Event{Type: eventbus.EventStopped, RunID: runID})
		}
		return nil
	}

	ar.cancel()
	<-ar.done
	return nil
}

// ListActive reports every run this process currently has a live
// Supervisor for — in-memory liveness, not store contents, so records
// lingering before a sweep never show up as active.
func (o *Orchestrator) ListActive() []ActiveRun {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	out := make([]ActiveRun, 0, len(o.active))
	for runID, ar := range o.active {
		out = append(out, ActiveRun{
			RunID:          runID,
			SpecID:         ar.specID,
			StartedAt:      ar.startedAt,
			ElapsedSeconds: now.Sub(ar.startedAt).Seconds(),
		})
	}
	return out
}

// Shutdown cancels every active run concurrently and waits for all of
// them to reach a terminal record + event before returning.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	dones := make([]chan struct{}, 0, len(o.active))
	for _, ar := range o.active {
		ar.cancel()
		dones = append(dones, ar.done)
	}
	o.mu.Unlock()

	for _, done := range dones {
		<-done
	}
}

// SweepOrphans marks every store record still "running" with no matching
// live Supervisor in this process as failed. Safe to call both once at
// startup (catching runs orphaned by a prior process lifetime) and
// periodically thereafter (catching any Supervisor that vanished without
// reporting dead) — a run that is genuinely tracked in-process is never
// touched.
func (o *Orchestrator) SweepOrphans(ctx context.Context) (int, error) {
	nonTerminal, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("list non-terminal runs: %w", err)
	}

	o.mu.Lock()
	tracked := make(map[string]bool, len(o.active))
	for runID := range o.active {
		tracked[runID] = true
	}
	o.mu.Unlock()

	now := time.Now()
	swept := 0
	for _, r := range nonTerminal {
		if tracked[r.ID] {
			continue
		}
		runErr := &domain.RunError{Message: "interrupted by restart", Timestamp: now}
		applied, err := o.store.UpdateIfStatus(ctx, r.ID, domain.RunStatusRunning, store.Update{
			Status:      domain.RunStatusFailed,
			CompletedAt: &now,
			Error:       runErr,
		})
		if err != nil {
			o.logger.Error("orphan sweep: store update failed", "run_id", r.ID, "error", err)
			continue
		}
		if applied {
			o.bus.Publish(eventbus.Event{Type: eventbus.EventFailed, RunID: r.ID, Payload: runErr})
			swept++
			o.logger.Warn("swept orphaned run", "run_id", r.ID)
		}
	}
	return swept, nil
}

func progressFromWire(p wire.Progress) domain.ProgressMetrics {
	return domain.ProgressMetrics{
		CurrentRps:         p.CurrentRps,
		TotalRequests:      p.TotalRequests,
		SuccessfulRequests: p.SuccessfulRequests,
		FailedRequests:     p.FailedRequests,
		AverageLatency:     p.AverageLatency,
		ElapsedTime:        p.ElapsedTime,
	}
}

func completeToSummary(c *wire.Complete) *domain.Summary {
	if c == nil {
		return nil
	}
	return &domain.Summary{
		TotalRequests:      c.TotalRequests,
		SuccessfulRequests: c.SuccessfulRequests,
		FailedRequests:     c.FailedRequests,
		AverageRps:         c.AverageRps,
		P50Latency:         c.P50Latency,
		P95Latency:         c.P95Latency,
		P99Latency:         c.P99Latency,
		ErrorRate:          c.ErrorRate,
		Duration:           c.Duration,
	}
}

func failureMessage(result supervisor.Result) string {
	if result.Err != nil {
		return result.Err.Error()
	}
	return fmt.Sprintf("worker failed: %s", result.Reason)
}
