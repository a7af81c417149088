package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (f *fakeSink) Record(ctx context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestRecorderDeliversEnqueuedEvents(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, zerolog.Nop(), 8, nil)

	r.Enqueue(Event{ConnID: 1})
	r.Enqueue(Event{ConnID: 2})

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 events delivered, got %d", sink.count())
	}
	if !sink.closed {
		t.Fatalf("expected sink to be closed")
	}
}

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	blockCh := make(chan struct{})
	blocked := &blockingSink{block: blockCh}
	dropCount := 0
	r := NewRecorder(blocked, zerolog.Nop(), 1, func() { dropCount++ })

	// The first event is picked up by the worker and blocks it; the
	// second fills the buffered channel; the third evicts the second.
	r.Enqueue(Event{ConnID: 1})
	time.Sleep(20 * time.Millisecond)
	r.Enqueue(Event{ConnID: 2})
	r.Enqueue(Event{ConnID: 3})

	close(blockCh)
	r.Close()

	if dropCount == 0 {
		t.Fatalf("expected at least one dropped event")
	}
}

func TestRecorderEnqueueDropsOldestNotNewest(t *testing.T) {
	sink := &fakeSink{}
	r := &Recorder{
		sink:   sink,
		log:    zerolog.Nop(),
		events: make(chan Event, 2),
		done:   make(chan struct{}),
	}

	r.Enqueue(Event{ConnID: 1})
	r.Enqueue(Event{ConnID: 2})
	r.Enqueue(Event{ConnID: 3})

	var queued []uint64
	close(r.events)
	for ev := range r.events {
		queued = append(queued, ev.ConnID)
	}

	if len(queued) != 2 {
		t.Fatalf("expected 2 events left queued, got %d", len(queued))
	}
	if queued[0] != 2 || queued[1] != 3 {
		t.Fatalf("expected oldest event (ConnID 1) dropped and newest two kept, got %v", queued)
	}
}

type blockingSink struct {
	block chan struct{}
}

func (b *blockingSink) Record(ctx context.Context, ev Event) error {
	<-b.block
	return nil
}

func (b *blockingSink) Close() error { return nil }
