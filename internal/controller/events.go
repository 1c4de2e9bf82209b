package controller

import (
	"time"

	"github.com/example/face-verify/internal/face"
)

// EventType names a committed controller transition.
type EventType string

const (
	EventReferenceCaptured EventType = "reference_captured"
	EventReferenceFailed   EventType = "reference_failed"
	EventMatch             EventType = "match"
	EventMatchFailed       EventType = "match_failed"
	EventReset             EventType = "reset"
)

// Event describes one committed transition. Discarded results never produce
// an event.
type Event struct {
	Type        EventType    `json:"type"`
	RequestID   string       `json:"request_id,omitempty"`
	State       State        `json:"state"`
	ReferenceID string       `json:"reference_id,omitempty"`
	Match       *Match       `json:"match,omitempty"`
	Failure     face.Failure `json:"failure,omitempty"`
	Error       string       `json:"error,omitempty"`
	At          time.Time    `json:"at"`
}

// Observer receives controller events synchronously, outside the
// controller lock.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

func (c *Controller) publish(e Event) {
	e.At = c.now().UTC()
	for _, o := range c.observers {
		o.Observe(e)
	}
}
