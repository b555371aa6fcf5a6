package canvas

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/obslog"
)

// ErrSaveInFlight reports a save dropped because an upsert is already
// running. Nothing is queued; the next local mutation re-triggers.
var ErrSaveInFlight = errors.New("save already in flight")

// PersistFunc writes a snapshot to the shared row.
type PersistFunc func(ctx context.Context, snapshot []byte) error

// Gate reconciles local saves with the broadcast echo. It remembers the
// fingerprint of the last snapshot known to be persisted; a broadcast
// carrying that exact payload is this client's own write coming back
// and is discarded. The fingerprint is advanced before the upsert is
// issued, so the echo can never arrive ahead of it, and rolled back if
// the write fails.
type Gate struct {
	persist  PersistFunc
	debounce time.Duration

	mu               sync.Mutex
	fingerprint      []byte
	pending          []byte
	timer            *time.Timer
	inFlight         bool
	applyingExternal bool

	onError func(error)
	onSaved func()
}

func NewGate(persist PersistFunc, debounce time.Duration) *Gate {
	return &Gate{persist: persist, debounce: debounce}
}

// OnError registers the user-visible write failure callback.
func (g *Gate) OnError(fn func(error)) { g.onError = fn }

// OnSaved registers a callback invoked after each successful upsert.
func (g *Gate) OnSaved(fn func()) { g.onSaved = fn }

// Save requests persistence of snapshot. Calls made while an external
// change is being applied are suppressed; calls made while an upsert is
// in flight are dropped with ErrSaveInFlight; a snapshot identical to
// the persisted fingerprint is a no-op. Everything else is debounced,
// repeated calls inside the window collapsing to the newest snapshot.
func (g *Gate) Save(snapshot []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.applyingExternal {
		obslog.L().Debug("canvas_save_skip", zap.String("cause", "applying external change"))
		return nil
	}
	if g.inFlight {
		obslog.L().Debug("canvas_save_skip", zap.String("cause", "save in flight"))
		return ErrSaveInFlight
	}
	if g.pending == nil && bytes.Equal(snapshot, g.fingerprint) {
		return nil
	}

	g.pending = append([]byte(nil), snapshot...)
	if g.timer == nil {
		g.timer = time.AfterFunc(g.debounce, g.flush)
	}
	return nil
}

func (g *Gate) flush() {
	g.mu.Lock()
	g.timer = nil
	snapshot := g.pending
	g.pending = nil
	if snapshot == nil || bytes.Equal(snapshot, g.fingerprint) {
		g.mu.Unlock()
		return
	}
	prev := g.fingerprint
	g.fingerprint = snapshot
	g.inFlight = true
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := g.persist(ctx, snapshot)
	cancel()

	g.mu.Lock()
	g.inFlight = false
	if err != nil {
		// leave local state alone, restore the fingerprint so the
		// next save retries with the same payload
		if bytes.Equal(g.fingerprint, snapshot) {
			g.fingerprint = prev
		}
		g.mu.Unlock()
		obslog.L().Warn("canvas save failed", zap.Error(err))
		if g.onError != nil {
			g.onError(err)
		}
		return
	}
	g.mu.Unlock()
	if g.onSaved != nil {
		g.onSaved()
	}
}

// HandleRemote processes a broadcast snapshot. An echo of the persisted
// fingerprint is discarded; anything else is an external change: the
// applying flag suppresses saves triggered by the re-render, render
// installs the new pixels, and the fingerprint adopts the payload.
// Returns whether the payload was applied.
func (g *Gate) HandleRemote(payload []byte, render func([]byte) error) bool {
	g.mu.Lock()
	if bytes.Equal(payload, g.fingerprint) {
		g.mu.Unlock()
		return false
	}
	g.applyingExternal = true
	g.mu.Unlock()

	err := render(payload)

	g.mu.Lock()
	if err == nil {
		g.fingerprint = append([]byte(nil), payload...)
	}
	g.applyingExternal = false
	g.mu.Unlock()

	if err != nil {
		obslog.L().Warn("external canvas change not applied", zap.Error(err))
		return false
	}
	return true
}

// SeedFingerprint installs the snapshot loaded at startup so the next
// broadcast of it is treated as already applied.
func (g *Gate) SeedFingerprint(snapshot []byte) {
	g.mu.Lock()
	g.fingerprint = append([]byte(nil), snapshot...)
	g.mu.Unlock()
}
