package realtime

import (
	"context"

	"github.com/avoronov/syncboard/internal/rtevent"
)

// loopbackStream dispatches publishes straight to in-process
// subscribers. It mirrors the real transports' echo behavior, a
// publisher subscribed to the same table receives its own events.
type loopbackStream struct {
	hub *hub
}

// NewLoopbackStream returns an in-process stream.
func NewLoopbackStream() Stream {
	return &loopbackStream{hub: newHub()}
}

func (s *loopbackStream) Publish(_ context.Context, ev rtevent.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	s.hub.dispatch(ev)
	return nil
}

func (s *loopbackStream) Subscribe(table, key string) (<-chan rtevent.Event, func()) {
	return s.hub.subscribe(table, key)
}

func (s *loopbackStream) Connect(context.Context) error { return nil }
func (s *loopbackStream) Connected() bool               { return true }
func (s *loopbackStream) Close() error                  { s.hub.shutdown(); return nil }
