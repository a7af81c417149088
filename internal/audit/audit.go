// Package audit records one event per processed NOTIFY frame to an
// optional external sink, off the hot ACK path.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event is the record shape both backends persist: enough to
// reconstruct traffic shape without any argument payload.
type Event struct {
	ConnID      uint64    `json:"conn_id"`
	StreamID    uint64    `json:"stream_id"`
	FrameID     uint64    `json:"frame_id"`
	Messages    []string  `json:"messages"`
	ActionCount int       `json:"action_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink persists one Event. Implementations must not block the caller
// for long; Recorder already isolates them onto a background
// goroutine, but a Sink that blocks forever will still stall its own
// worker and eventually the queue that feeds it.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Recorder buffers events from connection tasks and hands them to Sink
// on a single background goroutine, so a slow or unavailable audit
// backend never stalls ACK production. A full buffer drops the oldest
// queued event rather than blocking the caller.
type Recorder struct {
	sink   Sink
	log    zerolog.Logger
	events chan Event
	done   chan struct{}

	dropped func()
}

// NewRecorder starts the background dispatch goroutine for sink. bufSize
// bounds how many events queue before Enqueue starts dropping.
func NewRecorder(sink Sink, log zerolog.Logger, bufSize int, onDrop func()) *Recorder {
	if bufSize <= 0 {
		bufSize = 256
	}
	r := &Recorder{
		sink:    sink,
		log:     log,
		events:  make(chan Event, bufSize),
		done:    make(chan struct{}),
		dropped: onDrop,
	}
	go r.run()
	return r
}

// Enqueue submits ev for recording without blocking. If the internal
// buffer is full, the oldest queued event is evicted to make room and
// onDrop (if set) is invoked for it.
func (r *Recorder) Enqueue(ev Event) {
	select {
	case r.events <- ev:
		return
	default:
	}

	select {
	case oldest := <-r.events:
		r.log.Warn().Uint64("conn_id", oldest.ConnID).Msg("audit queue full, dropping oldest event")
		if r.dropped != nil {
			r.dropped()
		}
	default:
	}

	select {
	case r.events <- ev:
	default:
		// Buffer refilled between the eviction and this retry; give up
		// on ev rather than block the caller.
		r.log.Warn().Uint64("conn_id", ev.ConnID).Msg("audit queue full, dropping event")
		if r.dropped != nil {
			r.dropped()
		}
	}
}

// Close stops accepting new events, drains what is queued, and closes
// the underlying sink.
func (r *Recorder) Close() error {
	close(r.events)
	<-r.done
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for ev := range r.events {
		if err := r.sink.Record(ctx, ev); err != nil {
			r.log.Warn().Err(err).Uint64("conn_id", ev.ConnID).Msg("audit sink record failed")
		}
	}
}
