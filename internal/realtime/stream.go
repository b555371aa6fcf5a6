// Package realtime carries committed row changes between clients. Two
// transports exist: a Redis pub/sub stream and a websocket gateway
// stream. Both deliver every event to every subscriber, the publisher
// included, and both preserve per-table ordering.
package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/obslog"
	"github.com/avoronov/syncboard/internal/rtevent"
)

// Stream is the broadcast transport. Subscribe's key narrows delivery to
// one row; an empty key receives the whole table. The returned cancel
// func detaches the subscription and closes its channel.
type Stream interface {
	Publish(ctx context.Context, ev rtevent.Event) error
	Subscribe(table, key string) (<-chan rtevent.Event, func())
	Connect(ctx context.Context) error
	Connected() bool
	Close() error
}

const subBuffer = 64

type subscription struct {
	id    int
	table string
	key   string
	ch    chan rtevent.Event
}

// hub fans incoming events out to matching subscribers. Delivery is
// non-blocking: a subscriber that stops draining loses events rather
// than stalling the pump, and catches up on its next full re-sync.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscription)}
}

func (h *hub) subscribe(table, key string) (<-chan rtevent.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &subscription{
		id:    h.nextID,
		table: table,
		key:   key,
		ch:    make(chan rtevent.Event, subBuffer),
	}
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub.id] = sub

	id := sub.id
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

func (h *hub) dispatch(ev rtevent.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.table != ev.Table {
			continue
		}
		if sub.key != "" && sub.key != ev.Key {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			obslog.L().Warn("subscriber lagging, event dropped",
				zap.String("table", ev.Table), zap.String("key", ev.Key))
		}
	}
}

func (h *hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
