package game

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/avoronov/syncboard/internal/domain"
)

func TestClockRunsOnlyActiveSide(t *testing.T) {
	c := NewClock()
	c.Reset(time.Minute, domain.White)

	time.Sleep(50 * time.Millisecond)
	white := c.Remaining(domain.White)
	black := c.Remaining(domain.Black)
	if white >= time.Minute {
		t.Fatalf("white clock did not run: %v", white)
	}
	if black != time.Minute {
		t.Fatalf("idle black clock moved: %v", black)
	}

	c.Switch(domain.Black)
	time.Sleep(50 * time.Millisecond)
	if got := c.Remaining(domain.Black); got >= time.Minute {
		t.Fatalf("black clock did not run after switch: %v", got)
	}
	pausedWhite := c.Remaining(domain.White)
	time.Sleep(30 * time.Millisecond)
	if got := c.Remaining(domain.White); got != pausedWhite {
		t.Fatalf("paused white clock moved: %v -> %v", pausedWhite, got)
	}
}

func TestClockClampsAtZero(t *testing.T) {
	c := NewClock()
	c.Reset(20*time.Millisecond, domain.White)
	time.Sleep(60 * time.Millisecond)
	if got := c.Remaining(domain.White); got != 0 {
		t.Fatalf("expired clock = %v, want 0", got)
	}
}

func TestClockFlagFiresOnce(t *testing.T) {
	c := NewClock()
	var flags atomic.Int32
	var flagged atomic.Value
	c.OnFlag(func(side domain.Color) {
		flags.Add(1)
		flagged.Store(side)
	})
	c.Reset(30*time.Millisecond, domain.Black)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for flags.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if flags.Load() != 1 {
		t.Fatalf("flag fired %d times, want 1", flags.Load())
	}
	if got := flagged.Load(); got != domain.Black {
		t.Fatalf("flagged %v, want black", got)
	}
	// the expired side stays at zero and nothing re-fires
	time.Sleep(1100 * time.Millisecond)
	if flags.Load() != 1 {
		t.Fatalf("flag re-fired: %d", flags.Load())
	}
}

func TestClockRestartsAfterStop(t *testing.T) {
	c := NewClock()
	var flags atomic.Int32
	c.OnFlag(func(domain.Color) { flags.Add(1) })

	c.Reset(30*time.Millisecond, domain.White)
	c.Start()
	c.Stop()
	c.Stop() // second Stop is a no-op

	// a stopped clock must come back for the next game load
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for flags.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if flags.Load() == 0 {
		t.Fatalf("restarted clock never ticked")
	}
}

func TestClockResetPausesWhenNoRunner(t *testing.T) {
	c := NewClock()
	c.Reset(time.Minute, "")
	time.Sleep(30 * time.Millisecond)
	if got := c.Remaining(domain.White); got != time.Minute {
		t.Fatalf("paused clock moved: %v", got)
	}
}
