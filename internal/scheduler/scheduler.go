// Package scheduler implements the optional recurring-run trigger: a
// cron expression bound to a spec id, evaluated on a ticker, that calls
// the Orchestrator's StartRun the same way an HTTP client would.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loadforge/platform/internal/domain"
)

// Starter is the subset of Orchestrator the scheduler needs. Satisfied by
// *orchestrator.Orchestrator; narrowed to an interface so tests can stub
// admission behavior (capacity_exhausted, spec_not_found, ...).
type Starter interface {
	StartRun(ctx context.Context, specID string) (string, error)
}

// Entry binds one cron expression to one spec id. Enabled false disables
// evaluation without removing the entry.
type Entry struct {
	SpecID   string
	CronExpr string
	Enabled  bool
}

// Scheduler evaluates a fixed list of Entries against a ticker and fires
// Starter.StartRun for any that are due. There is no persistent schedule
// store behind this — entries are provided at construction time from the
// SCHEDULER_SPEC_ID / SCHEDULER_CRON environment; a future CRUD surface
// could replace the static list with a dynamic one without this
// package's tick logic changing.
type Scheduler struct {
	starter  Starter
	entries  []*scheduleState
	interval time.Duration
	parser   cron.Parser
	cancel   context.CancelFunc
	done     chan struct{}
}

// scheduleState is the scheduler's private bookkeeping for one Entry: the
// parsed cron schedule plus the next time it is due.
type scheduleState struct {
	entry   Entry
	sched   cron.Schedule
	nextRun time.Time
}

// New creates a Scheduler that checks its entries every interval and
// fires starter.StartRun for any entry whose cron expression is due.
// Entries with an unparseable CronExpr are logged and skipped entirely.
func New(starter Starter, entries []Entry, interval time.Duration) *Scheduler {
	s := &Scheduler{
		starter:  starter,
		interval: interval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
	now := time.Now()
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		parsed, err := s.parser.Parse(e.CronExpr)
		if err != nil {
			slog.Error("scheduler: invalid cron expression, entry disabled", "spec_id", e.SpecID, "cron", e.CronExpr, "error", err)
			continue
		}
		s.entries = append(s.entries, &scheduleState{entry: e, sched: parsed, nextRun: parsed.Next(now)})
	}
	return s
}

// Start begins the background ticker goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// tick fires every entry whose nextRun has passed. A capacity_exhausted
// admission error leaves nextRun untouched so the very next tick retries;
// any other error (including a genuinely missing or invalid spec)
// advances nextRun so a permanently broken entry does not spin forever.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, st := range s.entries {
		if st.nextRun.After(now) {
			continue
		}

		runID, err := s.starter.StartRun(ctx, st.entry.SpecID)
		if err != nil {
			if errors.Is(err, domain.ErrCapacityExhausted) {
				slog.Warn("scheduler: capacity exhausted, will retry next tick", "spec_id", st.entry.SpecID)
				continue
			}
			slog.Error("scheduler: start run failed", "spec_id", st.entry.SpecID, "error", err)
		} else {
			slog.Info("scheduler: fired run", "spec_id", st.entry.SpecID, "run_id", runID)
		}

		st.nextRun = st.sched.Next(now)
	}
}
