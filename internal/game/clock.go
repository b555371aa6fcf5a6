package game

import (
	"sync"
	"time"

	"github.com/avoronov/syncboard/internal/domain"
)

// Clock is the free-running local clock pair. It is never
// server-authoritative: each client recomputes remaining time from its
// own wall clock, so two clients may disagree slightly and the game
// row's single finished transition arbitrates duplicate timeout claims.
type Clock struct {
	mu        sync.Mutex
	remaining map[domain.Color]time.Duration
	running   domain.Color // zero value means paused
	lastTick  time.Time

	onFlag func(flagged domain.Color)

	stop chan struct{}
}

const tickInterval = time.Second

func NewClock() *Clock {
	return &Clock{remaining: map[domain.Color]time.Duration{}}
}

// OnFlag registers the callback fired once when a running side reaches
// zero.
func (c *Clock) OnFlag(fn func(flagged domain.Color)) {
	c.mu.Lock()
	c.onFlag = fn
	c.mu.Unlock()
}

// Reset reinstalls both sides from the persisted time budget and points
// the running side at whoever holds the turn. Called on every game
// (re)load.
func (c *Clock) Reset(budget time.Duration, running domain.Color) {
	c.mu.Lock()
	c.remaining[domain.White] = budget
	c.remaining[domain.Black] = budget
	c.running = running
	c.lastTick = time.Now()
	c.mu.Unlock()
}

// Switch hands the running clock to side without touching remaining
// times. An empty side pauses both clocks.
func (c *Clock) Switch(side domain.Color) {
	c.mu.Lock()
	c.tickLocked(time.Now())
	c.running = side
	c.mu.Unlock()
}

// Remaining reports a side's clamped remaining time as of now.
func (c *Clock) Remaining(side domain.Color) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked(time.Now())
	return c.remaining[side]
}

// Start runs the 1-second tick loop until Stop.
func (c *Clock) Start() {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	go func() {
		t := time.NewTicker(tickInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-t.C:
				c.mu.Lock()
				flagged := c.tickLocked(now)
				fn := c.onFlag
				c.mu.Unlock()
				if flagged != "" && fn != nil {
					fn(flagged)
				}
			}
		}
	}()
}

// tickLocked advances the running side by measured wall-clock elapsed
// time, clamped at zero. Returns the side that just hit zero, if any.
func (c *Clock) tickLocked(now time.Time) domain.Color {
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now
	if c.running == "" || elapsed <= 0 {
		return ""
	}
	left := c.remaining[c.running]
	if left <= 0 {
		return ""
	}
	left -= elapsed
	if left <= 0 {
		left = 0
		c.remaining[c.running] = left
		flagged := c.running
		c.running = ""
		return flagged
	}
	c.remaining[c.running] = left
	return ""
}

// Stop halts the tick loop. The clock may be started again afterwards.
func (c *Clock) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
