package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/obslog"
)

// ErrDisconnected is returned by Publish while the transport is down.
var ErrDisconnected = errors.New("realtime stream disconnected")

const liveCheckInterval = 30 * time.Second

// Monitor rechecks stream liveness on a fixed interval and redials when
// the transport is down. There is no backoff between checks: a failed
// attempt simply waits for the next tick. After a successful redial the
// OnReconnect hooks run so consumers can re-sync state they may have
// missed while offline.
type Monitor struct {
	stream   Stream
	interval time.Duration

	mu     sync.Mutex
	hooks  []func(ctx context.Context)
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(stream Stream) *Monitor {
	return &Monitor{stream: stream, interval: liveCheckInterval}
}

// OnReconnect registers a hook invoked after each successful redial.
func (m *Monitor) OnReconnect(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.stream.Connected() {
				continue
			}
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := m.stream.Connect(checkCtx)
			cancel()
			if err != nil {
				obslog.L().Warn("stream still down", zap.Error(err))
				continue
			}
			obslog.L().Info("stream restored, re-syncing")
			m.runHooks(ctx)
		}
	}
}

func (m *Monitor) runHooks(ctx context.Context) {
	m.mu.Lock()
	hooks := make([]func(ctx context.Context), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
