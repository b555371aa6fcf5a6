package realtime

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/avoronov/syncboard/internal/obslog"
	"github.com/avoronov/syncboard/internal/rtevent"
)

// HeaderProvider supplies handshake headers (API key, client id).
type HeaderProvider func() map[string]string

// wsStream broadcasts through a websocket gateway that relays every
// frame to every connected client. Used when the deployment has no
// direct Redis access.
type wsStream struct {
	wsURL          string
	headerProvider HeaderProvider

	maxReconnectAttempts int
	pingInterval         time.Duration

	hub       *hub
	connected atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWSStream returns a Stream over the gateway at wsURL.
func NewWSStream(wsURL string, headers HeaderProvider) Stream {
	return &wsStream{
		wsURL:                wsURL,
		headerProvider:       headers,
		maxReconnectAttempts: 10,
		pingInterval:         30 * time.Second,
		hub:                  newHub(),
		stopCh:               make(chan struct{}),
	}
}

func (s *wsStream) Publish(ctx context.Context, ev rtevent.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return wsjson.Write(ctx, conn, ev)
}

func (s *wsStream) Subscribe(table, key string) (<-chan rtevent.Event, func()) {
	return s.hub.subscribe(table, key)
}

func (s *wsStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.connected.Load() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      s.buildHeaders(),
	})
	if err != nil {
		return err
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = readCancel
	s.connected.Store(true)

	s.wg.Add(2)
	go s.listen(readCtx, conn)
	go s.pingLoop(readCtx, conn)
	return nil
}

func (s *wsStream) listen(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		var ev rtevent.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if s.isStopping() {
				return
			}
			s.dropConn(conn, websocket.StatusGoingAway, "reconnect")
			s.scheduleReconnect()
			return
		}
		if err := ev.Validate(); err != nil {
			obslog.L().Warn("discarding malformed gateway frame", zap.Error(err))
			continue
		}
		s.hub.dispatch(ev)
	}
}

func (s *wsStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					if s.isStopping() {
						return
					}
					s.dropConn(conn, websocket.StatusGoingAway, "ping failure")
					s.scheduleReconnect()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *wsStream) scheduleReconnect() {
	go func() {
		for attempt := 1; attempt <= s.maxReconnectAttempts; attempt++ {
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			if err := s.Connect(context.Background()); err != nil {
				obslog.L().Warn("gateway reconnect failed",
					zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			obslog.L().Info("gateway reconnected", zap.Int("attempt", attempt))
			return
		}
		obslog.L().Error("gateway reconnect attempts exhausted")
	}()
}

func (s *wsStream) dropConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	}
	s.mu.Unlock()
	s.connected.Store(false)
	_ = conn.Close(code, reason)
}

func (s *wsStream) Connected() bool { return s.connected.Load() }

func (s *wsStream) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.connected.Store(false)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	s.wg.Wait()
	s.hub.shutdown()
	return nil
}

func (s *wsStream) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *wsStream) buildHeaders() http.Header {
	hdr := http.Header{}
	if s.headerProvider == nil {
		return hdr
	}
	for k, v := range s.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func backoffDuration(attempt int) time.Duration {
	base := time.Second * time.Duration(math.Pow(2, float64(attempt-1)))
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	return base + jitter
}
