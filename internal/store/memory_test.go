package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/avoronov/syncboard/internal/domain"
)

func seedGame(t *testing.T, s Store, id string, status domain.Status) *domain.Game {
	t.Helper()
	g := &domain.Game{
		ID:          id,
		WhitePlayer: "white-player",
		Status:      status,
		CurrentFEN:  "fen",
		Turn:        domain.White,
		GameTimeMs:  600_000,
		CreatedAt:   time.Now(),
	}
	if status != domain.StatusWaiting {
		g.BlackPlayer = "black-player"
	}
	if err := s.Games().Insert(context.Background(), g); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return g
}

func TestMemoryCanvasRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.Canvas().Load(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing canvas = %v, want ErrNotFound", err)
	}

	state := &domain.CanvasState{ID: 1, ImagePNG: []byte("png-v1"), LastUpdated: time.Now()}
	if err := s.Canvas().Upsert(ctx, state); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	loaded, err := s.Canvas().Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(loaded.ImagePNG) != "png-v1" {
		t.Fatalf("loaded %q", loaded.ImagePNG)
	}

	// returned rows are copies, not aliases
	loaded.ImagePNG[0] = 'X'
	again, _ := s.Canvas().Load(ctx, 1)
	if string(again.ImagePNG) != "png-v1" {
		t.Fatalf("store aliased its rows: %q", again.ImagePNG)
	}
}

func TestMemoryClaimBlackSeatCAS(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	g := seedGame(t, s, "g1", domain.StatusWaiting)

	// creator cannot take its own second seat
	if _, claimed, err := s.Games().ClaimBlackSeat(ctx, g.ID, "white-player"); err != nil || claimed {
		t.Fatalf("self-claim: claimed=%v err=%v", claimed, err)
	}

	row, claimed, err := s.Games().ClaimBlackSeat(ctx, g.ID, "joiner")
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if row.Status != domain.StatusActive || row.BlackPlayer != "joiner" {
		t.Fatalf("claimed row %+v", row)
	}

	// second claim loses and observes the persisted row
	row2, claimed2, err := s.Games().ClaimBlackSeat(ctx, g.ID, "latecomer")
	if err != nil || claimed2 {
		t.Fatalf("late claim: claimed=%v err=%v", claimed2, err)
	}
	if row2.BlackPlayer != "joiner" {
		t.Fatalf("loser saw %q, want joiner", row2.BlackPlayer)
	}
}

func TestMemoryClaimBlackSeatConcurrent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	g := seedGame(t, s, "g1", domain.StatusWaiting)

	const contenders = 8
	var wg sync.WaitGroup
	wins := make(chan string, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			if _, claimed, err := s.Games().ClaimBlackSeat(ctx, g.ID, id); err == nil && claimed {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("%d winners, want exactly 1", len(winners))
	}
	row, _ := s.Games().Get(ctx, g.ID)
	if row.BlackPlayer != winners[0] {
		t.Fatalf("seat holds %q, winner was %q", row.BlackPlayer, winners[0])
	}
}

func TestMemoryFinishCAS(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	g := seedGame(t, s, "g1", domain.StatusActive)

	row, applied, err := s.Games().Finish(ctx, g.ID, string(domain.White), domain.ReasonTimeout)
	if err != nil || !applied {
		t.Fatalf("first finish: applied=%v err=%v", applied, err)
	}
	if row.Status != domain.StatusFinished || row.Winner != string(domain.White) {
		t.Fatalf("finished row %+v", row)
	}

	// the opposing client's duplicate timeout claim loses
	row2, applied2, err := s.Games().Finish(ctx, g.ID, string(domain.Black), domain.ReasonTimeout)
	if err != nil || applied2 {
		t.Fatalf("second finish: applied=%v err=%v", applied2, err)
	}
	if row2.Winner != string(domain.White) {
		t.Fatalf("loser overwrote the result: %+v", row2)
	}
}

func TestMemoryFinishRequiresActive(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	g := seedGame(t, s, "g1", domain.StatusWaiting)

	if _, applied, err := s.Games().Finish(ctx, g.ID, domain.WinnerDraw, domain.ReasonStalemate); err != nil || applied {
		t.Fatalf("finish on waiting game: applied=%v err=%v", applied, err)
	}
}

func TestMemoryListOpen(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g := &domain.Game{
			ID:          fmt.Sprintf("g%d", i),
			WhitePlayer: "w",
			Status:      domain.StatusWaiting,
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.Games().Insert(ctx, g); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	finished := &domain.Game{ID: "done", WhitePlayer: "w", Status: domain.StatusFinished, CreatedAt: time.Now().Add(time.Hour)}
	if err := s.Games().Insert(ctx, finished); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	list, err := s.Games().ListOpen(ctx, 3)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d games, want 3", len(list))
	}
	if list[0].ID != "g4" {
		t.Fatalf("newest first: got %s", list[0].ID)
	}
	for _, g := range list {
		if g.Status == domain.StatusFinished {
			t.Fatalf("finished game listed: %s", g.ID)
		}
	}
}

func TestMemoryMoveLogOrdering(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedGame(t, s, "g1", domain.StatusActive)

	for n := 3; n >= 1; n-- {
		mv := &domain.Move{GameID: "g1", MoveNumber: n, FromSquare: "e2", ToSquare: "e4", PlayerID: "p"}
		if err := s.Moves().Append(ctx, mv); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	moves, err := s.Moves().ListByGame(ctx, "g1")
	if err != nil {
		t.Fatalf("ListByGame: %v", err)
	}
	if len(moves) != 3 {
		t.Fatalf("%d moves", len(moves))
	}
	for i, mv := range moves {
		if mv.MoveNumber != i+1 {
			t.Fatalf("position %d holds move %d", i, mv.MoveNumber)
		}
	}
}

func TestMemoryPlayers(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.Players().Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing player = %v, want ErrNotFound", err)
	}
	p := &domain.Player{ID: "p1", Username: "anon", Rating: 1200}
	if err := s.Players().Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Players().Rename(ctx, "p1", "magnus"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, err := s.Players().Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Username != "magnus" || got.Rating != 1200 {
		t.Fatalf("player %+v", got)
	}
}
