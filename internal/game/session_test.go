package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avoronov/syncboard/internal/domain"
	"github.com/avoronov/syncboard/internal/realtime"
	"github.com/avoronov/syncboard/internal/rtevent"
	"github.com/avoronov/syncboard/internal/store"
)

type testEnv struct {
	store  store.Store
	stream realtime.Stream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stream := realtime.NewLoopbackStream()
	t.Cleanup(func() { _ = stream.Close() })
	return &testEnv{
		store:  store.Published(store.NewMemory(), stream),
		stream: stream,
	}
}

func (env *testEnv) newSession(t *testing.T, playerID string) *Session {
	t.Helper()
	s := NewSession(SessionOptions{
		Games:      env.store.Games(),
		Moves:      env.store.Moves(),
		Stream:     env.stream,
		PlayerID:   playerID,
		GameTimeMs: 600_000,
	})
	t.Cleanup(s.Close)
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

// countingGames wraps a GameRepo and counts every store call.
type countingGames struct {
	store.GameRepo
	calls atomic.Int64
}

func (c *countingGames) Get(ctx context.Context, id string) (*domain.Game, error) {
	c.calls.Add(1)
	return c.GameRepo.Get(ctx, id)
}

func (c *countingGames) UpdateAfterMove(ctx context.Context, id, fen string, turn domain.Color, at time.Time) (*domain.Game, error) {
	c.calls.Add(1)
	return c.GameRepo.UpdateAfterMove(ctx, id, fen, turn, at)
}

func (c *countingGames) Finish(ctx context.Context, id, winner, reason string) (*domain.Game, bool, error) {
	c.calls.Add(1)
	return c.GameRepo.Finish(ctx, id, winner, reason)
}

func TestMoveRejectedBeforeAnyStoreCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.newSession(t, "alice")
	g, err := a.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// waiting game: nobody may move yet
	counted := &countingGames{GameRepo: env.store.Games()}
	a.games = counted
	if _, err := a.AttemptMove(ctx, "e2", "e4", ""); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("waiting game move = %v, want ErrNotYourTurn", err)
	}
	if counted.calls.Load() != 0 {
		t.Fatalf("rejected move touched the store %d times", counted.calls.Load())
	}
	a.games = env.store.Games()

	b := env.newSession(t, "bob")
	if _, err := b.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// white to move: black's attempt is rejected locally
	countedB := &countingGames{GameRepo: env.store.Games()}
	b.games = countedB
	if _, err := b.AttemptMove(ctx, "e7", "e5", ""); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("out-of-turn move = %v, want ErrNotYourTurn", err)
	}
	if countedB.calls.Load() != 0 {
		t.Fatalf("rejected move touched the store %d times", countedB.calls.Load())
	}
}

func TestMovePositionConsistency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.newSession(t, "alice")
	g, err := a.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := env.newSession(t, "bob")
	if _, err := b.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	eventually(t, func() bool {
		gg := a.Game()
		return gg != nil && gg.Status == domain.StatusActive
	}, "creator never saw the game activate")

	result, err := a.AttemptMove(ctx, "e2", "e4", "")
	if err != nil {
		t.Fatalf("AttemptMove: %v", err)
	}

	persisted, err := env.store.Games().Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if persisted.CurrentFEN != result.FEN || persisted.CurrentFEN != a.Position() {
		t.Fatalf("row FEN %q, engine %q", persisted.CurrentFEN, a.Position())
	}
	if persisted.Turn != domain.Black {
		t.Fatalf("turn = %s, want black", persisted.Turn)
	}

	moves, err := env.store.Moves().ListByGame(ctx, g.ID)
	if err != nil {
		t.Fatalf("ListByGame: %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("%d move rows, want 1", len(moves))
	}
	mv := moves[0]
	if mv.MoveNumber != 1 || mv.FromSquare != "e2" || mv.ToSquare != "e4" {
		t.Fatalf("move row %+v", mv)
	}
}

func TestSeatClaimRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.newSession(t, "alice")
	g, err := a.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	joiners := []string{"bob", "carol"}
	results := make([]error, len(joiners))
	sessions := make([]*Session, len(joiners))
	var wg sync.WaitGroup
	for i, id := range joiners {
		sessions[i] = env.newSession(t, id)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = sessions[i].Join(ctx, g.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSeatTaken):
			// the loser adopted the row actually persisted
			gg := sessions[i].Game()
			if gg == nil || gg.BlackPlayer == joiners[i] {
				t.Fatalf("loser kept its own stale claim: %+v", gg)
			}
		default:
			t.Fatalf("join %d: %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d joins succeeded, want exactly 1", wins)
	}

	persisted, _ := env.store.Games().Get(ctx, g.ID)
	if persisted.Status != domain.StatusActive || persisted.BlackPlayer == "" {
		t.Fatalf("persisted row %+v", persisted)
	}
}

func seedActiveGame(t *testing.T, env *testEnv, fen string, turn domain.Color) *domain.Game {
	t.Helper()
	g := &domain.Game{
		ID:          fmt.Sprintf("seed-%d", time.Now().UnixNano()),
		WhitePlayer: "alice",
		BlackPlayer: "bob",
		Status:      domain.StatusActive,
		CurrentFEN:  fen,
		Turn:        turn,
		GameTimeMs:  600_000,
		CreatedAt:   time.Now(),
	}
	if err := env.store.Games().Insert(context.Background(), g); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	return g
}

func TestPromotionHeldPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := seedActiveGame(t, env, "8/P6k/8/8/8/8/7K/8 w - - 0 1", domain.White)

	a := env.newSession(t, "alice")
	if _, err := a.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if _, err := a.AttemptMove(ctx, "a7", "a8", ""); !errors.Is(err, ErrPromotionRequired) {
		t.Fatalf("promotion without piece = %v, want ErrPromotionRequired", err)
	}
	// nothing was persisted while pending
	if moves, _ := env.store.Moves().ListByGame(ctx, g.ID); len(moves) != 0 {
		t.Fatalf("pending promotion persisted %d moves", len(moves))
	}

	result, err := a.CompletePromotion(ctx, "n")
	if err != nil {
		t.Fatalf("CompletePromotion: %v", err)
	}
	if result.Promotion != "n" {
		t.Fatalf("promotion = %q, want n", result.Promotion)
	}
	moves, _ := env.store.Moves().ListByGame(ctx, g.ID)
	if len(moves) != 1 || moves[0].Promotion != "n" {
		t.Fatalf("persisted moves %+v", moves)
	}
}

// failingGames makes the game-row update fail after the move row landed.
type failingGames struct {
	store.GameRepo
}

func (f *failingGames) UpdateAfterMove(context.Context, string, string, domain.Color, time.Time) (*domain.Game, error) {
	return nil, errors.New("store down")
}

func TestRollbackOnGameUpdateFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := seedActiveGame(t, env, startFEN, domain.White)

	a := env.newSession(t, "alice")
	if _, err := a.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	a.games = &failingGames{GameRepo: env.store.Games()}

	if _, err := a.AttemptMove(ctx, "e2", "e4", ""); err == nil {
		t.Fatalf("move succeeded despite failed game update")
	}
	// engine rolled back to the last persisted row
	if a.Position() != startFEN {
		t.Fatalf("engine drifted ahead of the store: %s", a.Position())
	}
	if a.Game().Turn != domain.White {
		t.Fatalf("local turn advanced: %s", a.Game().Turn)
	}
}

func TestRemoteMoveApplication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.newSession(t, "alice")
	g, err := a.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := env.newSession(t, "bob")
	if _, err := b.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	eventually(t, func() bool {
		gg := a.Game()
		return gg != nil && gg.Status == domain.StatusActive
	}, "creator never saw the join")

	result, err := a.AttemptMove(ctx, "e2", "e4", "")
	if err != nil {
		t.Fatalf("AttemptMove: %v", err)
	}

	eventually(t, func() bool {
		return b.Position() == result.FEN
	}, "opponent never applied the remote move")
	if b.Game().Turn != domain.Black {
		t.Fatalf("opponent turn = %s, want black", b.Game().Turn)
	}
	if moves := b.Moves(); len(moves) != 1 || moves[0].FromSquare != "e2" {
		t.Fatalf("opponent move log %+v", moves)
	}

	// the mover's own echo must not duplicate its log
	time.Sleep(50 * time.Millisecond)
	if moves := a.Moves(); len(moves) != 1 {
		t.Fatalf("echo duplicated the mover's log: %d entries", len(moves))
	}
}

func TestCheckmateEndsGame(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := seedActiveGame(t, env, "k7/6R1/1K6/8/8/8/8/8 w - - 0 1", domain.White)

	a := env.newSession(t, "alice")
	if _, err := a.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := a.AttemptMove(ctx, "g7", "g8", ""); err != nil {
		t.Fatalf("AttemptMove: %v", err)
	}

	persisted, _ := env.store.Games().Get(ctx, g.ID)
	if persisted.Status != domain.StatusFinished {
		t.Fatalf("status = %s, want finished", persisted.Status)
	}
	if persisted.Winner != string(domain.White) || persisted.Reason != domain.ReasonCheckmate {
		t.Fatalf("result %s/%s, want white/checkmate", persisted.Winner, persisted.Reason)
	}
}

func TestStalemateOutranksInsufficientMaterial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// after Bd8-c7 the position is both stalemate and bare-minimum
	// material; the recorded reason must follow the priority order
	g := seedActiveGame(t, env, "k2B4/8/1K6/8/8/8/8/8 w - - 0 1", domain.White)

	a := env.newSession(t, "alice")
	if _, err := a.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := a.AttemptMove(ctx, "d8", "c7", ""); err != nil {
		t.Fatalf("AttemptMove: %v", err)
	}

	persisted, _ := env.store.Games().Get(ctx, g.ID)
	if persisted.Reason != domain.ReasonStalemate {
		t.Fatalf("reason = %s, want stalemate", persisted.Reason)
	}
	if persisted.Winner != domain.WinnerDraw {
		t.Fatalf("winner = %s, want draw", persisted.Winner)
	}
}

func TestTerminalDetectedFromGameEventAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := seedActiveGame(t, env, startFEN, domain.White)

	b := env.newSession(t, "bob")
	if _, err := b.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// the opponent's game-row update lands but its move insert never
	// does (dropped on a lagging subscriber, or the mover died before
	// recording the finish)
	mated := *g
	mated.CurrentFEN = "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3"
	mated.Turn = domain.White
	mated.LastMoveAt = time.Now()
	ev, err := rtevent.Updated(domain.TableGames, g.ID, nil, &mated)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := env.stream.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	eventually(t, func() bool {
		row, err := env.store.Games().Get(ctx, g.ID)
		return err == nil && row.Status == domain.StatusFinished
	}, "checkmate carried only by the game row was never recorded")
	row, _ := env.store.Games().Get(ctx, g.ID)
	if row.Winner != string(domain.Black) || row.Reason != domain.ReasonCheckmate {
		t.Fatalf("result %s/%s, want black/checkmate", row.Winner, row.Reason)
	}
}

// gatedGames holds the game-row update open until released, so a remote
// event can land mid-move.
type gatedGames struct {
	store.GameRepo
	gate chan struct{}
}

func (g *gatedGames) UpdateAfterMove(ctx context.Context, id, fen string, turn domain.Color, at time.Time) (*domain.Game, error) {
	row, err := g.GameRepo.UpdateAfterMove(ctx, id, fen, turn, at)
	<-g.gate
	return row, err
}

func TestMoveWriteDoesNotRevertRemoteFinish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := seedActiveGame(t, env, startFEN, domain.White)

	a := env.newSession(t, "alice")
	if _, err := a.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	gated := &gatedGames{GameRepo: env.store.Games(), gate: make(chan struct{})}
	a.games = gated

	moveErr := make(chan error, 1)
	go func() {
		_, err := a.AttemptMove(ctx, "e2", "e4", "")
		moveErr <- err
	}()

	// wait until the game update's own broadcast came back, the write
	// return is now held open at the gate
	eventually(t, func() bool {
		gg := a.Game()
		return gg != nil && gg.CurrentFEN != startFEN
	}, "game update event never adopted")

	// meanwhile the opponent's timeout claim finishes the game
	finished := *g
	finished.CurrentFEN = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPPPPPP/RNBQKBNR b KQkq e3 0 1"
	finished.Status = domain.StatusFinished
	finished.Winner = string(domain.Black)
	finished.Reason = domain.ReasonTimeout
	finished.LastMoveAt = time.Now().Add(time.Minute)
	ev, err := rtevent.Updated(domain.TableGames, g.ID, nil, &finished)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := env.stream.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	eventually(t, func() bool {
		gg := a.Game()
		return gg != nil && gg.Status == domain.StatusFinished
	}, "remote finish never adopted")

	close(gated.gate)
	if err := <-moveErr; err != nil {
		t.Fatalf("AttemptMove: %v", err)
	}

	// the stale row returned by the held-open update must not win
	if got := a.Game().Status; got != domain.StatusFinished {
		t.Fatalf("status = %s, the in-flight move reverted the finish", got)
	}
}

func TestResignation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := seedActiveGame(t, env, startFEN, domain.White)

	b := env.newSession(t, "bob")
	if _, err := b.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := b.Resign(ctx); err != nil {
		t.Fatalf("Resign: %v", err)
	}

	persisted, _ := env.store.Games().Get(ctx, g.ID)
	if persisted.Status != domain.StatusFinished ||
		persisted.Winner != string(domain.White) ||
		persisted.Reason != domain.ReasonResignation {
		t.Fatalf("after resign: %+v", persisted)
	}
}

func TestFinishedGameRejectsMoves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := seedActiveGame(t, env, startFEN, domain.White)

	a := env.newSession(t, "alice")
	if _, err := a.Join(ctx, g.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := a.Resign(ctx); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if _, err := a.AttemptMove(ctx, "e2", "e4", ""); !errors.Is(err, ErrGameOver) {
		t.Fatalf("move on finished game = %v, want ErrGameOver", err)
	}
}

func TestSpectatorCannotMove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := seedActiveGame(t, env, startFEN, domain.White)

	s := env.newSession(t, "mallory")
	_, err := s.Join(ctx, g.ID)
	if !errors.Is(err, ErrSeatTaken) {
		t.Fatalf("Join full game = %v, want ErrSeatTaken", err)
	}
	if _, err := s.AttemptMove(ctx, "e2", "e4", ""); !errors.Is(err, ErrNotSeated) {
		t.Fatalf("spectator move = %v, want ErrNotSeated", err)
	}
	if !strings.HasPrefix(s.Position(), strings.Fields(startFEN)[0]) {
		t.Fatalf("spectator position %s", s.Position())
	}
}
