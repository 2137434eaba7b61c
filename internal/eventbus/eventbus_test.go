package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, h *Handle) []Event {
	t.Helper()
	var got []Event
	for e := range h.C {
		got = append(got, e)
	}
	return got
}

func TestPublishSubscribeOrdering(t *testing.T) {
	bus := New(Options{})
	handle, result := bus.Subscribe("r1")
	require.Equal(t, SubscribeOK, result)

	bus.Publish(Event{Type: EventProgress, RunID: "r1", Payload: 1})
	bus.Publish(Event{Type: EventLog, RunID: "r1", Payload: "line"})
	bus.Publish(Event{Type: EventComplete, RunID: "r1", Payload: "done"})

	events := drain(t, handle)
	require.Len(t, events, 3)
	assert.Equal(t, EventProgress, events[0].Type)
	assert.Equal(t, EventLog, events[1].Type)
	assert.Equal(t, EventComplete, events[2].Type)
}

func TestLateSubscriberWithinGraceGetsTerminalOnce(t *testing.T) {
	bus := New(Options{TerminalGrace: 200 * time.Millisecond})
	bus.Publish(Event{Type: EventFailed, RunID: "r2", Payload: "boom"})

	handle, result := bus.Subscribe("r2")
	require.Equal(t, SubscribeOK, result)

	events := drain(t, handle)
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Type)
}

func TestSubscriberAfterGraceIsRefused(t *testing.T) {
	bus := New(Options{TerminalGrace: 10 * time.Millisecond})
	bus.Publish(Event{Type: EventStopped, RunID: "r3"})

	time.Sleep(30 * time.Millisecond)

	handle, result := bus.Subscribe("r3")
	assert.Equal(t, SubscribeRunNotLive, result)
	assert.Nil(t, handle)
}

func TestSlowSubscriberDroppedWithoutBlockingPublisher(t *testing.T) {
	bus := New(Options{SubscriberQueue: 1})
	handle, result := bus.Subscribe("r4")
	require.Equal(t, SubscribeOK, result)

	// Fill the buffer, then publish again without ever reading — Publish
	// must not block even though the subscriber never drains.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventProgress, RunID: "r4"})
		bus.Publish(Event{Type: EventProgress, RunID: "r4"})
		bus.Publish(Event{Type: EventComplete, RunID: "r4"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The channel is closed once the dropped subscriber's buffer is full,
	// so draining here must terminate rather than hang.
	_ = drain(t, handle)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New(Options{})
	handle, _ := bus.Subscribe("r5")
	bus.Unsubscribe(handle)
	bus.Unsubscribe(handle)
}

func TestSweepReclaimsDeadTopics(t *testing.T) {
	bus := New(Options{TerminalGrace: 10 * time.Millisecond})

	// A terminal topic past its grace window.
	bus.Publish(Event{Type: EventComplete, RunID: "finished"})

	// A topic created by subscribing to a run that never publishes; once
	// its only subscriber detaches, nothing can ever arrive on it.
	handle, result := bus.Subscribe("never-ran")
	require.Equal(t, SubscribeOK, result)
	bus.Unsubscribe(handle)

	// A live subscription that must survive the sweep.
	kept, result := bus.Subscribe("in-flight")
	require.Equal(t, SubscribeOK, result)

	time.Sleep(30 * time.Millisecond)
	bus.Sweep()

	bus.mu.Lock()
	_, finishedKept := bus.topics["finished"]
	_, neverRanKept := bus.topics["never-ran"]
	_, inFlightKept := bus.topics["in-flight"]
	bus.mu.Unlock()
	assert.False(t, finishedKept, "terminal topic past grace should be swept")
	assert.False(t, neverRanKept, "subscriber-less topic should be swept")
	assert.True(t, inFlightKept, "topic with a live subscriber must survive")

	bus.Publish(Event{Type: EventProgress, RunID: "in-flight"})
	select {
	case e := <-kept.C:
		assert.Equal(t, EventProgress, e.Type)
	case <-time.After(time.Second):
		t.Fatal("surviving subscriber did not receive post-sweep event")
	}
}
