package audiohost

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// StreamID names one stream registered with a Driver.
type StreamID = uuid.UUID

// EventKind classifies driver events.
type EventKind int

const (
	// EventError carries an asynchronous stream fault.
	EventError EventKind = iota
	// EventXrun reports a buffer over/underrun on the stream.
	EventXrun
	// EventDestroyed reports that the stream was torn down.
	EventDestroyed
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventXrun:
		return "xrun"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event is one asynchronous notification about a managed stream.
type Event struct {
	Stream StreamID
	Kind   EventKind
	Err    error
}

// Driver manages a set of streams under one host and serializes their
// asynchronous events onto a single channel, so an application can drive
// several streams from one goroutine the way it would poll an event loop.
//
// Control operations address streams by ID and never fail: an unknown ID is
// logged and ignored, since the stream may legitimately have been destroyed
// by the time a queued control command arrives.
type Driver struct {
	logger *slog.Logger

	mu      sync.Mutex
	streams map[StreamID]Stream

	events chan Event
}

// NewDriver returns an empty driver.
func NewDriver() *Driver {
	d := &Driver{
		streams: make(map[StreamID]Stream),
		events:  make(chan Event, 64),
	}
	d.logger = slog.Default().With("driver", uuid.New().String()[:8])
	return d
}

// Add registers a stream and returns its ID. The stream keeps whatever
// play state it already has; Build* constructors hand over paused streams.
func (d *Driver) Add(s Stream) StreamID {
	id := uuid.New()
	d.mu.Lock()
	d.streams[id] = s
	d.mu.Unlock()
	d.logger.Debug("stream registered", "stream", id)
	return id
}

func (d *Driver) lookup(id StreamID, op string) (Stream, bool) {
	d.mu.Lock()
	s, ok := d.streams[id]
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("unknown stream id", "op", op, "stream", id)
	}
	return s, ok
}

// Play starts delivery on the identified stream.
func (d *Driver) Play(id StreamID) {
	if s, ok := d.lookup(id, "play"); ok {
		s.Play()
	}
}

// Pause suspends delivery on the identified stream.
func (d *Driver) Pause(id StreamID) {
	if s, ok := d.lookup(id, "pause"); ok {
		s.Pause()
	}
}

// Destroy tears the identified stream down, unregisters it, and emits an
// EventDestroyed. Later operations on the same ID are no-ops.
func (d *Driver) Destroy(id StreamID) {
	d.mu.Lock()
	s, ok := d.streams[id]
	delete(d.streams, id)
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("unknown stream id", "op", "destroy", "stream", id)
		return
	}
	s.Destroy()
	d.Report(Event{Stream: id, Kind: EventDestroyed})
}

// ErrorCallbackFor returns an ErrorCallback that reports faults on the given
// stream through the driver's event channel. Pass it to Build* so backend
// errors land in the event loop instead of on a backend thread.
func (d *Driver) ErrorCallbackFor(id StreamID) ErrorCallback {
	return func(err error) {
		kind := EventError
		if errors.Is(err, ErrXrun) {
			kind = EventXrun
		}
		d.Report(Event{Stream: id, Kind: kind, Err: err})
	}
}

// Report enqueues an event without blocking. If the application is not
// draining events fast enough the event is dropped and logged; audio delivery
// is never stalled on event consumers.
func (d *Driver) Report(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("event dropped, channel full", "stream", ev.Stream, "kind", ev.Kind.String())
	}
}

// Events exposes the event channel for applications that select over it
// alongside their own channels.
func (d *Driver) Events() <-chan Event {
	return d.events
}

// Run blocks forever, delivering each event to onEvent in arrival order.
// Callbacks that need to stop the loop should do so by selecting on Events
// directly instead.
func (d *Driver) Run(onEvent func(Event)) {
	for ev := range d.events {
		onEvent(ev)
	}
}
