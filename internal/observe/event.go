// Package observe carries the bridge's structured relay events to logging and
// metrics collaborators. Sinks must not block the caller for long; slow sinks
// go behind a Pool.
package observe

import (
	"time"
)

// EventType names an observability event.
type EventType string

const (
	RelaySuccess EventType = "relay_success"
	RelayFailure EventType = "relay_failure"
	StartupError EventType = "startup_error"
)

// Error kinds reported in relay_failure events that do not come from a pier.
const (
	KindPierUnavailable = "pier_unavailable"
	KindShutdown        = "shutdown"
)

// Event is one structured observation.
type Event struct {
	Type      EventType
	Pier      string
	Channel   string
	MessageID string
	// Latency is capture-to-delivery time for relay_success.
	Latency time.Duration
	// ErrorKind is a pier.SendErrorKind, a Kind* constant, or for
	// startup_error a configuration or connection error kind.
	ErrorKind string
	// Attempt is the 1-based delivery attempt that produced the event.
	Attempt int
	// Final marks the failure after which the message is dropped.
	Final bool
	Err   error
	At    time.Time
}

// Sink receives events.
type Sink interface {
	OnEvent(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) OnEvent(e Event) { f(e) }

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) OnEvent(e Event) {
	for _, s := range f {
		if s != nil {
			s.OnEvent(e)
		}
	}
}

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// Stamp fills At when unset.
func Stamp(e Event) Event {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e
}
