package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avoronov/syncboard/internal/domain"
)

// memoryStore is the in-memory Store used by tests and by offline mode.
// The conditional updates mirror the SQL implementations exactly.
type memoryStore struct {
	mu sync.RWMutex

	canvas  map[int64]*domain.CanvasState
	players map[string]*domain.Player
	games   map[string]*domain.Game
	moves   map[string][]*domain.Move
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		canvas:  make(map[int64]*domain.CanvasState),
		players: make(map[string]*domain.Player),
		games:   make(map[string]*domain.Game),
		moves:   make(map[string][]*domain.Move),
	}
}

func (m *memoryStore) Canvas() CanvasRepo              { return (*memCanvas)(m) }
func (m *memoryStore) Players() PlayerRepo             { return (*memPlayers)(m) }
func (m *memoryStore) Games() GameRepo                 { return (*memGames)(m) }
func (m *memoryStore) Moves() MoveRepo                 { return (*memMoves)(m) }
func (m *memoryStore) Ping(ctx context.Context) error  { return nil }
func (m *memoryStore) Close() error                    { return nil }

type memCanvas memoryStore

func (c *memCanvas) Load(ctx context.Context, id int64) (*domain.CanvasState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.canvas[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	cp.ImagePNG = append([]byte(nil), row.ImagePNG...)
	return &cp, nil
}

func (c *memCanvas) Upsert(ctx context.Context, state *domain.CanvasState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *state
	cp.ImagePNG = append([]byte(nil), state.ImagePNG...)
	c.canvas[state.ID] = &cp
	return nil
}

type memPlayers memoryStore

func (p *memPlayers) Get(ctx context.Context, id string) (*domain.Player, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	row, ok := p.players[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (p *memPlayers) Insert(ctx context.Context, pl *domain.Player) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *pl
	p.players[pl.ID] = &cp
	return nil
}

func (p *memPlayers) Rename(ctx context.Context, id, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.players[id]
	if !ok {
		return ErrNotFound
	}
	row.Username = username
	return nil
}

type memGames memoryStore

func (g *memGames) Insert(ctx context.Context, game *domain.Game) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *game
	g.games[game.ID] = &cp
	return nil
}

func (g *memGames) Get(ctx context.Context, id string) (*domain.Game, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	row, ok := g.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (g *memGames) ListOpen(ctx context.Context, limit int) ([]*domain.Game, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var list []*domain.Game
	for _, row := range g.games {
		if row.Status == domain.StatusWaiting || row.Status == domain.StatusActive {
			cp := *row
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (g *memGames) ClaimBlackSeat(ctx context.Context, gameID, playerID string) (*domain.Game, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	row, ok := g.games[gameID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if row.Status == domain.StatusWaiting && row.BlackPlayer == "" && row.WhitePlayer != playerID {
		row.BlackPlayer = playerID
		row.Status = domain.StatusActive
		cp := *row
		return &cp, true, nil
	}
	cp := *row
	return &cp, false, nil
}

func (g *memGames) UpdateAfterMove(ctx context.Context, gameID, fen string, turn domain.Color, at time.Time) (*domain.Game, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	row, ok := g.games[gameID]
	if !ok {
		return nil, ErrNotFound
	}
	row.CurrentFEN = fen
	row.Turn = turn
	row.LastMoveAt = at
	cp := *row
	return &cp, nil
}

func (g *memGames) Finish(ctx context.Context, gameID, winner, reason string) (*domain.Game, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	row, ok := g.games[gameID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if row.Status != domain.StatusActive {
		cp := *row
		return &cp, false, nil
	}
	row.Status = domain.StatusFinished
	row.Winner = winner
	row.Reason = reason
	cp := *row
	return &cp, true, nil
}

type memMoves memoryStore

func (m *memMoves) Append(ctx context.Context, mv *domain.Move) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mv
	m.moves[mv.GameID] = append(m.moves[mv.GameID], &cp)
	return nil
}

func (m *memMoves) ListByGame(ctx context.Context, gameID string) ([]*domain.Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.moves[gameID]
	out := make([]*domain.Move, 0, len(list))
	for _, mv := range list {
		cp := *mv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MoveNumber < out[j].MoveNumber })
	return out, nil
}
