// Package eventbus implements the per-run topic multiplexer: an
// in-memory fan-out from the Orchestrator's single publishing task per
// run to zero or more subscribers, with non-blocking publish and a
// grace-period retention window for the terminal event.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType discriminates the five event kinds a run can publish.
type EventType string

const (
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
	EventComplete EventType = "completed"
	EventFailed   EventType = "failed"
	EventStopped  EventType = "stopped"
)

// IsTerminal reports whether t is one of the three terminal event kinds.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventFailed || t == EventStopped
}

// Event is one message delivered on a run's topic.
type Event struct {
	Type    EventType
	RunID   string
	Payload any
}

// Handle is a live subscription returned by Subscribe. Events arrives on
// C; the channel is closed by the bus once the terminal event has been
// delivered (or immediately, if the subscriber arrives too late — see
// Subscribe).
type Handle struct {
	C    <-chan Event
	done chan struct{}
}

// subscriber is the bus's private view of a Handle: the same channel
// the Handle exposes for reading, plus the done signal used to detect
// cancellation without a send blocking forever.
type subscriber struct {
	ch      chan Event
	done    chan struct{}
	dropped atomic.Bool
}

// topic holds the live subscribers for one run plus, once the run has
// gone terminal, the final event and an expiry time for late subscribers.
type topic struct {
	subscribers []*subscriber
	terminal    *Event
	expiresAt   time.Time
}

// Options configures a Bus.
type Options struct {
	// SubscriberQueue is the per-subscriber buffered channel length.
	// Default 256 (the SUBSCRIBER_QUEUE setting).
	SubscriberQueue int
	// TerminalGrace is how long a terminal topic is retained for late
	// subscribers after its terminal event. Default 30s (TERMINAL_GRACE_MS).
	TerminalGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.SubscriberQueue <= 0 {
		o.SubscriberQueue = 256
	}
	if o.TerminalGrace <= 0 {
		o.TerminalGrace = 30 * time.Second
	}
	return o
}

// Bus is the in-memory event bus. Safe for concurrent use; Publish is
// never called concurrently for the same run (the Orchestrator's single
// per-run translation task is the only publisher), but Subscribe and
// Publish for different runs can race freely.
type Bus struct {
	opts Options

	mu     sync.Mutex
	topics map[string]*topic
}

// New creates a Bus with the given options.
func New(opts Options) *Bus {
	return &Bus{
		opts:   opts.withDefaults(),
		topics: make(map[string]*topic),
	}
}

// Publish enqueues event on runId's topic. Non-blocking: a subscriber
// whose buffer is full is dropped (with a slow_subscriber diagnostic);
// other subscribers are unaffected. If event is terminal, the topic is
// retained (sans live subscribers) for the configured grace period so
// that a subscriber arriving shortly after still observes it; the first
// Sweep after the grace period drops the topic entirely.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	t, ok := b.topics[event.RunID]
	if !ok {
		t = &topic{}
		b.topics[event.RunID] = t
	}

	subs := t.subscribers
	if event.Type.IsTerminal() {
		t.terminal = &event
		t.expiresAt = time.Now().Add(b.opts.TerminalGrace)
		t.subscribers = nil
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, event)
		if event.Type.IsTerminal() && sub.dropped.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
}

// deliver performs the single non-blocking send at the heart of the bus's
// backpressure contract: if sub's buffer is full, sub is dropped rather
// than stalling the publisher. A dropped subscriber's channel is closed
// exactly once (guarded by the dropped flag) and never written to again.
func (b *Bus) deliver(sub *subscriber, event Event) {
	if sub.dropped.Load() {
		return
	}
	select {
	case <-sub.done:
		return
	default:
	}
	select {
	case sub.ch <- event:
	default:
		if sub.dropped.CompareAndSwap(false, true) {
			slog.Warn("eventbus: dropping slow subscriber", "run_id", event.RunID)
			close(sub.ch)
		}
	}
}

// SubscribeResult is the outcome of Subscribe.
type SubscribeResult int

const (
	// SubscribeOK means Handle is live and usable.
	SubscribeOK SubscribeResult = iota
	// SubscribeRunNotLive means the grace period has elapsed; the caller
	// must query the Run Store for the final record instead.
	SubscribeRunNotLive
)

// Subscribe attaches to runId's topic. If the run is still non-terminal
// (or has no topic yet — it may not have published anything), the
// returned Handle streams events live. If the run went terminal within
// the grace window, the Handle delivers exactly the terminal event then
// closes. Beyond the grace window, Subscribe returns SubscribeRunNotLive
// and a nil Handle.
func (b *Bus) Subscribe(runID string) (*Handle, SubscribeResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{}
		b.topics[runID] = t
	}

	if t.terminal != nil {
		if time.Now().After(t.expiresAt) {
			return nil, SubscribeRunNotLive
		}
		ch := make(chan Event, 1)
		ch <- *t.terminal
		close(ch)
		return &Handle{C: ch}, SubscribeOK
	}

	sub := &subscriber{
		ch:   make(chan Event, b.opts.SubscriberQueue),
		done: make(chan struct{}),
	}
	t.subscribers = append(t.subscribers, sub)
	return &Handle{C: sub.ch, done: sub.done}, SubscribeOK
}

// Unsubscribe releases a Handle's slot. Idempotent: closing an
// already-closed done channel is guarded against by a sync.Once-free
// select-based close.
func (b *Bus) Unsubscribe(h *Handle) {
	if h == nil || h.done == nil {
		return
	}
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
}

// Sweep reclaims dead bus state: subscribers that unsubscribed or were
// dropped, topics whose terminal grace period has elapsed, and empty
// topics left behind by a subscribe against a run that never published
// (Publish recreates a live run's topic on its next event, so dropping
// one is always safe). Intended to be called periodically by a background
// goroutine; harmless to skip for short-lived test processes.
func (b *Bus) Sweep() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.topics {
		live := t.subscribers[:0]
		for _, sub := range t.subscribers {
			select {
			case <-sub.done:
			default:
				if !sub.dropped.Load() {
					live = append(live, sub)
				}
			}
		}
		t.subscribers = live

		expired := t.terminal != nil && now.After(t.expiresAt)
		if len(t.subscribers) == 0 && (expired || t.terminal == nil) {
			delete(b.topics, id)
		}
	}
}
