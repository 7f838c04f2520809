// Package notify delivers state-change events to interested parties.
// All delivery is fire-and-forget: a sink must never fail its caller.
package notify

import (
	"context"
)

// Event is one state-change notification. Room scopes delivery, typically
// "task:{id}" or "subscription:{id}".
type Event struct {
	Name    string `json:"event"`
	Room    string `json:"room,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Sink receives events. Implementations swallow their own errors and must be
// safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// MultiSink fans an event out to every member sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}
