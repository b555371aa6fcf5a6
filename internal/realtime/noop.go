package realtime

import (
	"context"

	"github.com/avoronov/syncboard/internal/rtevent"
)

// noopStream is wired when neither Redis nor a websocket gateway is
// configured: writes persist but nothing is broadcast, and remote
// changes only show up on restart.
type noopStream struct {
	hub *hub
}

// NewNoopStream returns a stream that drops every publish.
func NewNoopStream() Stream {
	return &noopStream{hub: newHub()}
}

func (s *noopStream) Publish(context.Context, rtevent.Event) error { return nil }

func (s *noopStream) Subscribe(table, key string) (<-chan rtevent.Event, func()) {
	return s.hub.subscribe(table, key)
}

func (s *noopStream) Connect(context.Context) error { return nil }
func (s *noopStream) Connected() bool               { return true }
func (s *noopStream) Close() error                  { s.hub.shutdown(); return nil }
