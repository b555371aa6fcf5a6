package canvas

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/domain"
	"github.com/avoronov/syncboard/internal/obslog"
	"github.com/avoronov/syncboard/internal/presence"
	"github.com/avoronov/syncboard/internal/realtime"
	"github.com/avoronov/syncboard/internal/rtevent"
	"github.com/avoronov/syncboard/internal/store"
)

// ErrOffline reports that the store was unreachable at startup and the
// session is local-only.
var ErrOffline = errors.New("offline: store unreachable, sync disabled")

// Options wires a Controller.
type Options struct {
	CanvasID int64
	Width    int
	Height   int
	Debounce time.Duration

	Repo    store.CanvasRepo
	Stream  realtime.Stream
	Tracker *presence.Tracker
	Notify  func(string)
}

// Controller owns the drawing session: the bitmap, the undo history,
// the save gate, and the subscription reconciling remote changes.
type Controller struct {
	opts Options
	gate *Gate

	mu      sync.Mutex
	bitmap  *Bitmap
	history *History
	offline bool

	cancelSub func()
	done      chan struct{}
}

func NewController(opts Options) *Controller {
	c := &Controller{
		opts:    opts,
		bitmap:  NewBitmap(opts.Width, opts.Height),
		history: NewHistory(),
	}
	c.gate = NewGate(c.persist, opts.Debounce)
	c.gate.OnError(func(err error) {
		c.notify(fmt.Sprintf("save failed: %v", err))
	})
	return c
}

// Start loads the shared row and begins consuming broadcasts. A store
// failure here degrades to offline mode instead of failing the session.
func (c *Controller) Start(ctx context.Context) error {
	state, err := c.opts.Repo.Load(ctx, c.opts.CanvasID)
	switch {
	case err == nil:
		c.mu.Lock()
		loadErr := c.bitmap.LoadPNG(state.ImagePNG)
		c.mu.Unlock()
		if loadErr != nil {
			obslog.L().Warn("stored canvas snapshot unreadable, starting blank", zap.Error(loadErr))
		} else {
			c.gate.SeedFingerprint(state.ImagePNG)
		}
	case errors.Is(err, store.ErrNotFound):
		// first ever session on this canvas, blank is correct
	default:
		obslog.L().Warn("store unreachable, entering offline mode", zap.Error(err))
		c.mu.Lock()
		c.offline = true
		c.mu.Unlock()
		c.notify("offline: changes will not be shared")
		return nil
	}

	events, cancel := c.opts.Stream.Subscribe(
		domain.TableCanvasState, fmt.Sprintf("%d", c.opts.CanvasID))
	c.cancelSub = cancel
	c.done = make(chan struct{})
	go c.consume(events)
	return nil
}

func (c *Controller) consume(events <-chan rtevent.Event) {
	defer close(c.done)
	for ev := range events {
		var state domain.CanvasState
		if err := ev.DecodeNew(&state); err != nil {
			obslog.L().Warn("undecodable canvas broadcast", zap.Error(err))
			continue
		}
		applied := c.gate.HandleRemote(state.ImagePNG, func(payload []byte) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err := c.bitmap.LoadPNG(payload); err != nil {
				return err
			}
			c.history.Reset()
			return nil
		})
		if applied {
			c.notify("canvas updated by another client")
		}
	}
}

func (c *Controller) persist(ctx context.Context, snapshot []byte) error {
	return c.opts.Repo.Upsert(ctx, &domain.CanvasState{
		ID:          c.opts.CanvasID,
		ImagePNG:    snapshot,
		LastUpdated: time.Now(),
	})
}

// Stroke applies a brush stroke and schedules a save.
func (c *Controller) Stroke(points []Point, width float64, col color.Color) error {
	return c.mutate(func() error { return c.bitmap.Stroke(points, width, col) })
}

// Erase applies an eraser stroke and schedules a save.
func (c *Controller) Erase(points []Point, width float64) error {
	return c.mutate(func() error { return c.bitmap.Erase(points, width) })
}

// Clear blanks the canvas and schedules a save.
func (c *Controller) Clear() error {
	return c.mutate(func() error { c.bitmap.Clear(); return nil })
}

func (c *Controller) mutate(apply func() error) error {
	c.mu.Lock()
	before, err := c.bitmap.EncodePNG()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := apply(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.history.Push(before)
	snapshot, err := c.bitmap.EncodePNG()
	offline := c.offline
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if offline {
		return ErrOffline
	}
	return c.gate.Save(snapshot)
}

// Undo rewinds the last local mutation and saves the rewound state like
// any other mutation.
func (c *Controller) Undo() error {
	c.mu.Lock()
	prev := c.history.Pop()
	if prev == nil {
		c.mu.Unlock()
		return fmt.Errorf("nothing to undo")
	}
	if err := c.bitmap.LoadPNG(prev); err != nil {
		c.mu.Unlock()
		return err
	}
	offline := c.offline
	c.mu.Unlock()
	if offline {
		return ErrOffline
	}
	return c.gate.Save(prev)
}

// Snapshot encodes the current pixels.
func (c *Controller) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitmap.EncodePNG()
}

// Offline reports whether sync is disabled for this session.
func (c *Controller) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

// Who returns the number of sessions on the canvas, this one included.
func (c *Controller) Who() int {
	if c.opts.Tracker == nil {
		return 1
	}
	return c.opts.Tracker.Count()
}

func (c *Controller) notify(msg string) {
	if c.opts.Notify != nil {
		c.opts.Notify(msg)
	}
}

// Close detaches the broadcast subscription.
func (c *Controller) Close() {
	if c.cancelSub != nil {
		c.cancelSub()
		<-c.done
	}
}
