package store

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/domain"
	"github.com/avoronov/syncboard/internal/obslog"
	"github.com/avoronov/syncboard/internal/rtevent"
)

// Publisher pushes committed row changes onto the broadcast stream.
type Publisher interface {
	Publish(ctx context.Context, ev rtevent.Event) error
}

// publishedStore decorates a Store so every successful write emits the
// matching row-change event. The stream fans events back to every
// subscriber including the writer itself, which is exactly the hosted
// backend's behavior: suppressing that echo is the consumer's job, not
// the store's.
type publishedStore struct {
	inner Store
	pub   Publisher
}

// Published wraps s so its writes broadcast through pub.
func Published(s Store, pub Publisher) Store {
	return &publishedStore{inner: s, pub: pub}
}

func (p *publishedStore) Canvas() CanvasRepo            { return &pubCanvas{inner: p.inner.Canvas(), pub: p.pub} }
func (p *publishedStore) Players() PlayerRepo           { return &pubPlayers{inner: p.inner.Players(), pub: p.pub} }
func (p *publishedStore) Games() GameRepo               { return &pubGames{inner: p.inner.Games(), pub: p.pub} }
func (p *publishedStore) Moves() MoveRepo               { return &pubMoves{inner: p.inner.Moves(), pub: p.pub} }
func (p *publishedStore) Ping(ctx context.Context) error { return p.inner.Ping(ctx) }
func (p *publishedStore) Close() error                  { return p.inner.Close() }

// emit publishes after the write committed. A broadcast failure never
// fails the write; remote clients will catch up through their periodic
// re-sync instead.
func emit(ctx context.Context, pub Publisher, ev rtevent.Event, err error) {
	if err != nil {
		obslog.L().Warn("row change event build failed",
			zap.String("table", ev.Table), zap.Error(err))
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		obslog.L().Warn("row change broadcast failed",
			zap.String("table", ev.Table), zap.String("key", ev.Key), zap.Error(err))
	}
}

type pubCanvas struct {
	inner CanvasRepo
	pub   Publisher
}

func (c *pubCanvas) Load(ctx context.Context, id int64) (*domain.CanvasState, error) {
	return c.inner.Load(ctx, id)
}

func (c *pubCanvas) Upsert(ctx context.Context, state *domain.CanvasState) error {
	if err := c.inner.Upsert(ctx, state); err != nil {
		return err
	}
	ev, err := rtevent.Updated(domain.TableCanvasState, strconv.FormatInt(state.ID, 10), nil, state)
	emit(ctx, c.pub, ev, err)
	return nil
}

type pubPlayers struct {
	inner PlayerRepo
	pub   Publisher
}

func (p *pubPlayers) Get(ctx context.Context, id string) (*domain.Player, error) {
	return p.inner.Get(ctx, id)
}

func (p *pubPlayers) Insert(ctx context.Context, pl *domain.Player) error {
	if err := p.inner.Insert(ctx, pl); err != nil {
		return err
	}
	ev, err := rtevent.Inserted(domain.TablePlayers, pl.ID, pl)
	emit(ctx, p.pub, ev, err)
	return nil
}

func (p *pubPlayers) Rename(ctx context.Context, id, username string) error {
	if err := p.inner.Rename(ctx, id, username); err != nil {
		return err
	}
	ev, err := rtevent.Updated(domain.TablePlayers, id, nil, map[string]string{"id": id, "username": username})
	emit(ctx, p.pub, ev, err)
	return nil
}

type pubGames struct {
	inner GameRepo
	pub   Publisher
}

func (g *pubGames) Insert(ctx context.Context, game *domain.Game) error {
	if err := g.inner.Insert(ctx, game); err != nil {
		return err
	}
	ev, err := rtevent.Inserted(domain.TableGames, game.ID, game)
	emit(ctx, g.pub, ev, err)
	return nil
}

func (g *pubGames) Get(ctx context.Context, id string) (*domain.Game, error) {
	return g.inner.Get(ctx, id)
}

func (g *pubGames) ListOpen(ctx context.Context, limit int) ([]*domain.Game, error) {
	return g.inner.ListOpen(ctx, limit)
}

func (g *pubGames) ClaimBlackSeat(ctx context.Context, gameID, playerID string) (*domain.Game, bool, error) {
	game, claimed, err := g.inner.ClaimBlackSeat(ctx, gameID, playerID)
	if err != nil {
		return nil, false, err
	}
	if claimed {
		ev, evErr := rtevent.Updated(domain.TableGames, game.ID, nil, game)
		emit(ctx, g.pub, ev, evErr)
	}
	return game, claimed, nil
}

func (g *pubGames) UpdateAfterMove(ctx context.Context, gameID, fen string, turn domain.Color, at time.Time) (*domain.Game, error) {
	game, err := g.inner.UpdateAfterMove(ctx, gameID, fen, turn, at)
	if err != nil {
		return nil, err
	}
	ev, evErr := rtevent.Updated(domain.TableGames, game.ID, nil, game)
	emit(ctx, g.pub, ev, evErr)
	return game, nil
}

func (g *pubGames) Finish(ctx context.Context, gameID, winner, reason string) (*domain.Game, bool, error) {
	game, applied, err := g.inner.Finish(ctx, gameID, winner, reason)
	if err != nil {
		return nil, false, err
	}
	if applied {
		ev, evErr := rtevent.Updated(domain.TableGames, game.ID, nil, game)
		emit(ctx, g.pub, ev, evErr)
	}
	return game, applied, nil
}

type pubMoves struct {
	inner MoveRepo
	pub   Publisher
}

func (m *pubMoves) Append(ctx context.Context, mv *domain.Move) error {
	if err := m.inner.Append(ctx, mv); err != nil {
		return err
	}
	ev, err := rtevent.Inserted(domain.TableMoves, mv.GameID, mv)
	emit(ctx, m.pub, ev, err)
	return nil
}

func (m *pubMoves) ListByGame(ctx context.Context, gameID string) ([]*domain.Move, error) {
	return m.inner.ListByGame(ctx, gameID)
}
