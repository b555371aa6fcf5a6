// Package store is the remote row-store adapter. All three
// implementations (Postgres, REST gateway, in-memory) expose the same
// typed repositories with identical compare-and-set semantics, so the
// reconciliation logic above them never cares which backend is wired.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/avoronov/syncboard/internal/domain"
)

// ErrNotFound is returned for missing single rows. Callers that expect
// "no row yet" (first canvas save, brand-new player) treat it as the
// empty value, not a failure.
var ErrNotFound = errors.New("row not found")

// CanvasRepo reads and overwrites the singleton canvas row.
type CanvasRepo interface {
	Load(ctx context.Context, id int64) (*domain.CanvasState, error)
	Upsert(ctx context.Context, state *domain.CanvasState) error
}

// PlayerRepo manages the lazily-created pseudo-identity rows.
type PlayerRepo interface {
	Get(ctx context.Context, id string) (*domain.Player, error)
	Insert(ctx context.Context, p *domain.Player) error
	Rename(ctx context.Context, id, username string) error
}

// GameRepo manages game rows. ClaimBlackSeat and Finish are the two
// conditional updates the whole protocol's race handling rests on: both
// always return the row actually persisted, so a losing caller re-syncs
// from it instead of assuming its own write landed.
type GameRepo interface {
	Insert(ctx context.Context, g *domain.Game) error
	Get(ctx context.Context, id string) (*domain.Game, error)
	ListOpen(ctx context.Context, limit int) ([]*domain.Game, error)

	// ClaimBlackSeat atomically fills the empty black seat of a waiting
	// game and flips it to active. claimed reports whether this call won.
	ClaimBlackSeat(ctx context.Context, gameID, playerID string) (g *domain.Game, claimed bool, err error)

	// UpdateAfterMove advances position, turn and last-move time.
	UpdateAfterMove(ctx context.Context, gameID, fen string, turn domain.Color, at time.Time) (*domain.Game, error)

	// Finish transitions active→finished exactly once. applied is false
	// when another client finished the game first.
	Finish(ctx context.Context, gameID, winner, reason string) (g *domain.Game, applied bool, err error)
}

// MoveRepo appends to the immutable per-game ply log.
type MoveRepo interface {
	Append(ctx context.Context, m *domain.Move) error
	ListByGame(ctx context.Context, gameID string) ([]*domain.Move, error)
}

// Store bundles the repositories over one backend connection.
type Store interface {
	Canvas() CanvasRepo
	Players() PlayerRepo
	Games() GameRepo
	Moves() MoveRepo
	Ping(ctx context.Context) error
	Close() error
}
