package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/obslog"
	"github.com/avoronov/syncboard/internal/rtevent"
)

const channelPrefix = "rt:"

// redisStream broadcasts over Redis pub/sub, one channel per table so
// per-table ordering rides on Redis's per-channel ordering.
type redisStream struct {
	rdb       *redis.Client
	hub       *hub
	connected atomic.Bool

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisStream returns a Stream over rdb. Call Connect before
// subscribing for events to flow.
func NewRedisStream(rdb *redis.Client) Stream {
	return &redisStream{rdb: rdb, hub: newHub()}
}

func (s *redisStream) Publish(ctx context.Context, ev rtevent.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, channelPrefix+ev.Table, payload).Err()
}

func (s *redisStream) Subscribe(table, key string) (<-chan rtevent.Event, func()) {
	return s.hub.subscribe(table, key)
}

func (s *redisStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		if s.connected.Load() {
			return nil
		}
		// the pump died underneath us, rebuild the subscription
		s.cancel()
		_ = s.pubsub.Close()
		<-s.done
		s.pubsub, s.cancel, s.done = nil, nil, nil
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	pubsub := s.rdb.PSubscribe(pumpCtx, channelPrefix+"*")
	if _, err := pubsub.Receive(pumpCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return err
	}

	s.pubsub = pubsub
	s.cancel = cancel
	s.done = make(chan struct{})
	s.connected.Store(true)
	go s.pump(pumpCtx, pubsub, s.done)
	return nil
}

func (s *redisStream) pump(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.connected.Store(false)
				return
			}
			ev, err := rtevent.Parse([]byte(msg.Payload))
			if err != nil {
				obslog.L().Warn("discarding malformed broadcast",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			s.hub.dispatch(ev)
		}
	}
}

func (s *redisStream) Connected() bool { return s.connected.Load() }

func (s *redisStream) Close() error {
	s.mu.Lock()
	pubsub, cancel, done := s.pubsub, s.cancel, s.done
	s.pubsub, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	s.connected.Store(false)
	if cancel != nil {
		cancel()
	}
	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	if done != nil {
		<-done
	}
	s.hub.shutdown()
	return err
}
