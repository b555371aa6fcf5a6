package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/domain"
	"github.com/avoronov/syncboard/internal/obslog"
	"github.com/avoronov/syncboard/internal/realtime"
	"github.com/avoronov/syncboard/internal/rtevent"
	"github.com/avoronov/syncboard/internal/store"
)

var (
	// ErrNotYourTurn rejects a move attempt before any network call.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrIllegalMove is the rules engine's rejection.
	ErrIllegalMove = errors.New("illegal move")
	// ErrPromotionRequired holds a pawn-promotion attempt pending until
	// a piece is explicitly selected.
	ErrPromotionRequired = errors.New("promotion piece required")
	// ErrSeatTaken reports a lost seat-claim race.
	ErrSeatTaken = errors.New("seat already taken")
	// ErrNoGame reports operations without a loaded game.
	ErrNoGame = errors.New("no game loaded")
	// ErrGameOver rejects play on a finished game.
	ErrGameOver = errors.New("game is finished")
	// ErrNotSeated rejects play by spectators.
	ErrNotSeated = errors.New("you are not seated in this game")
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

type pendingPromotion struct {
	from string
	to   string
}

// Session drives one player's view of one game: the local rules engine,
// the persisted rows, the broadcast subscriptions, and the clocks.
type Session struct {
	games    store.GameRepo
	moves    store.MoveRepo
	stream   realtime.Stream
	playerID string
	timeMs   int64
	notify   func(string)

	mu      sync.Mutex
	engine  Engine
	game    *domain.Game
	moveLog []*domain.Move
	pending *pendingPromotion
	clock   *Clock

	cancelGames func()
	cancelMoves func()
	consumersWG sync.WaitGroup
}

// SessionOptions wires a Session.
type SessionOptions struct {
	Games    store.GameRepo
	Moves    store.MoveRepo
	Stream   realtime.Stream
	PlayerID string
	// GameTimeMs is the per-side time budget for games this session
	// creates.
	GameTimeMs int64
	Notify     func(string)
}

func NewSession(opts SessionOptions) *Session {
	s := &Session{
		games:    opts.Games,
		moves:    opts.Moves,
		stream:   opts.Stream,
		playerID: opts.PlayerID,
		timeMs:   opts.GameTimeMs,
		notify:   opts.Notify,
		engine:   NewEngine(),
		clock:    NewClock(),
	}
	s.clock.OnFlag(s.onFlag)
	return s
}

// Create starts a new waiting game with this player on the white seat.
func (s *Session) Create(ctx context.Context) (*domain.Game, error) {
	game := &domain.Game{
		ID:          uuid.NewString(),
		WhitePlayer: s.playerID,
		Status:      domain.StatusWaiting,
		CurrentFEN:  startFEN,
		Turn:        domain.White,
		GameTimeMs:  s.timeMs,
		CreatedAt:   time.Now(),
	}
	if err := s.games.Insert(ctx, game); err != nil {
		return nil, err
	}
	obslog.L().Info("game created", zap.String("game_id", game.ID))
	if err := s.load(ctx, game); err != nil {
		return nil, err
	}
	return game, nil
}

// Join claims the black seat of a waiting game. The claim is a single
// conditional update; on a lost race the session adopts the persisted
// row and reports ErrSeatTaken. A player already seated in the game
// simply re-loads it.
func (s *Session) Join(ctx context.Context, gameID string) (*domain.Game, error) {
	current, err := s.games.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if current.WhitePlayer == s.playerID || current.BlackPlayer == s.playerID {
		if err := s.load(ctx, current); err != nil {
			return nil, err
		}
		return current, nil
	}

	persisted, claimed, err := s.games.ClaimBlackSeat(ctx, gameID, s.playerID)
	if err != nil {
		return nil, err
	}
	if err := s.load(ctx, persisted); err != nil {
		return nil, err
	}
	if !claimed {
		return persisted, ErrSeatTaken
	}
	obslog.L().Info("joined game", zap.String("game_id", persisted.ID))
	return persisted, nil
}

// ListOpen lists joinable and running games, newest first.
func (s *Session) ListOpen(ctx context.Context) ([]*domain.Game, error) {
	return s.games.ListOpen(ctx, 20)
}

// load adopts a persisted game row as this session's state: the engine
// is force-loaded from the row's position, the move log refetched, the
// clocks reset from the persisted time budget, and the broadcast
// subscriptions rebound to this game.
func (s *Session) load(ctx context.Context, game *domain.Game) error {
	log, err := s.moves.ListByGame(ctx, game.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.engine.LoadPosition(game.CurrentFEN); err != nil {
		s.mu.Unlock()
		return err
	}
	s.game = game
	s.moveLog = log
	s.pending = nil
	running := domain.Color("")
	if game.Status == domain.StatusActive {
		running = game.Turn
	}
	s.clock.Reset(time.Duration(game.GameTimeMs)*time.Millisecond, running)
	s.mu.Unlock()

	s.resubscribe(game.ID)
	s.clock.Start()
	return nil
}

func (s *Session) resubscribe(gameID string) {
	if s.cancelGames != nil {
		s.cancelGames()
		s.cancelMoves()
		s.consumersWG.Wait()
	}
	gameEvents, cancelGames := s.stream.Subscribe(domain.TableGames, gameID)
	moveEvents, cancelMoves := s.stream.Subscribe(domain.TableMoves, gameID)
	s.cancelGames = cancelGames
	s.cancelMoves = cancelMoves
	s.consumersWG.Add(2)
	go s.consumeGameEvents(gameEvents)
	go s.consumeMoveEvents(moveEvents)
}

// AttemptMove runs the move protocol. Turn ownership is checked locally
// before anything touches the network; promotion without an explicit
// piece is held pending; the move-log append and the game-row update
// are two dependent writes, and a failure of the second rolls the
// engine back so it never drifts ahead of the store.
func (s *Session) AttemptMove(ctx context.Context, from, to, promotion string) (*MoveResult, error) {
	s.mu.Lock()
	if s.game == nil {
		s.mu.Unlock()
		return nil, ErrNoGame
	}
	if s.game.Status == domain.StatusFinished {
		s.mu.Unlock()
		return nil, ErrGameOver
	}
	seat := s.seatLocked()
	if seat == "" {
		s.mu.Unlock()
		return nil, ErrNotSeated
	}
	if s.game.Status != domain.StatusActive || seat != s.game.Turn {
		s.mu.Unlock()
		return nil, ErrNotYourTurn
	}

	if promotion == "" && s.engine.RequiresPromotion(from, to) {
		s.pending = &pendingPromotion{from: from, to: to}
		s.mu.Unlock()
		return nil, ErrPromotionRequired
	}

	result, err := s.engine.Move(from, to, promotion)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	move := &domain.Move{
		GameID:        s.game.ID,
		MoveNumber:    len(s.moveLog) + 1,
		FromSquare:    result.From,
		ToSquare:      result.To,
		Piece:         result.Piece,
		CapturedPiece: result.Captured,
		Promotion:     result.Promotion,
		FENAfter:      result.FEN,
		PlayerID:      s.playerID,
		CreatedAt:     time.Now(),
	}
	gameID := s.game.ID
	nextTurn := s.engine.TurnToMove()
	s.mu.Unlock()

	if err := s.moves.Append(ctx, move); err != nil {
		s.rollback()
		return nil, fmt.Errorf("persist move: %w", err)
	}
	persisted, err := s.games.UpdateAfterMove(ctx, gameID, result.FEN, nextTurn, move.CreatedAt)
	if err != nil {
		s.rollback()
		return nil, fmt.Errorf("update game: %w", err)
	}

	s.mu.Lock()
	// a remote event may have landed while the writes were in flight
	// (an opponent's timeout claim, a later position); never let the
	// returned row roll local state backwards
	if s.game != nil && s.game.ID == persisted.ID &&
		s.game.Status == domain.StatusActive &&
		!persisted.LastMoveAt.Before(s.game.LastMoveAt) {
		s.game = persisted
		s.clock.Switch(persisted.Turn)
	}
	s.moveLog = append(s.moveLog, move)
	s.pending = nil
	s.mu.Unlock()

	s.detectTerminal(ctx)
	return result, nil
}

// CompletePromotion finalizes a pending promotion with the selected
// piece (q, r, b or n).
func (s *Session) CompletePromotion(ctx context.Context, piece string) (*MoveResult, error) {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("no promotion pending")
	}
	switch piece {
	case "q", "r", "b", "n":
	default:
		return nil, fmt.Errorf("invalid promotion piece %q", piece)
	}
	return s.AttemptMove(ctx, p.from, p.to, piece)
}

// rollback realigns the engine with the last persisted game row after a
// write failure.
func (s *Session) rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.game == nil {
		return
	}
	if err := s.engine.LoadPosition(s.game.CurrentFEN); err != nil {
		obslog.L().Error("rollback reload failed", zap.Error(err))
	}
}

// detectTerminal checks every end condition after any applied move.
// Priority is fixed: checkmate, stalemate, repetition, insufficient
// material, fifty moves. The first true condition ends the game.
func (s *Session) detectTerminal(ctx context.Context) {
	s.mu.Lock()
	if s.game == nil || s.game.Status != domain.StatusActive {
		s.mu.Unlock()
		return
	}
	winner, reason := "", ""
	switch {
	case s.engine.IsCheckmate():
		// side to move is mated, the mover wins
		winner, reason = string(s.engine.TurnToMove().Opponent()), domain.ReasonCheckmate
	case s.engine.IsStalemate():
		winner, reason = domain.WinnerDraw, domain.ReasonStalemate
	case s.engine.IsThreefoldRepetition():
		winner, reason = domain.WinnerDraw, domain.ReasonRepetition
	case s.engine.HasInsufficientMaterial():
		winner, reason = domain.WinnerDraw, domain.ReasonInsufficientMaterial
	case s.engine.IsDrawByFiftyMoves():
		winner, reason = domain.WinnerDraw, domain.ReasonFiftyMoves
	default:
		s.mu.Unlock()
		return
	}
	gameID := s.game.ID
	s.mu.Unlock()

	s.finish(ctx, gameID, winner, reason)
}

// finish drives the single active→finished transition. The store's CAS
// is the de-duplication point: whichever client lands first wins, and
// everyone adopts the row that actually persisted.
func (s *Session) finish(ctx context.Context, gameID, winner, reason string) {
	persisted, applied, err := s.games.Finish(ctx, gameID, winner, reason)
	if err != nil {
		obslog.L().Error("finish game failed", zap.Error(err))
		s.notifyf("could not record game end: %v", err)
		return
	}
	s.mu.Lock()
	s.game = persisted
	s.clock.Switch("")
	s.mu.Unlock()

	if applied {
		obslog.L().Info("game finished",
			zap.String("game_id", gameID),
			zap.String("winner", persisted.Winner),
			zap.String("reason", persisted.Reason))
	}
	s.notifyf("game over: %s (%s)", resultText(persisted), persisted.Reason)
}

// Resign ends the game in the opponent's favor.
func (s *Session) Resign(ctx context.Context) error {
	s.mu.Lock()
	if s.game == nil {
		s.mu.Unlock()
		return ErrNoGame
	}
	if s.game.Status != domain.StatusActive {
		s.mu.Unlock()
		return ErrGameOver
	}
	seat := s.seatLocked()
	if seat == "" {
		s.mu.Unlock()
		return ErrNotSeated
	}
	gameID := s.game.ID
	s.mu.Unlock()

	s.finish(ctx, gameID, string(seat.Opponent()), domain.ReasonResignation)
	return nil
}

// onFlag handles a side's clock reaching zero. Both clients may claim
// the timeout independently; the finish CAS de-duplicates.
func (s *Session) onFlag(flagged domain.Color) {
	s.mu.Lock()
	if s.game == nil || s.game.Status != domain.StatusActive {
		s.mu.Unlock()
		return
	}
	gameID := s.game.ID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.finish(ctx, gameID, string(flagged.Opponent()), domain.ReasonTimeout)
}

// consumeMoveEvents applies remote moves. A move authored by this
// player is the echo of its own write and is skipped; anything else
// force-loads the engine from the broadcast position rather than
// replaying move by move.
func (s *Session) consumeMoveEvents(events <-chan rtevent.Event) {
	defer s.consumersWG.Done()
	for ev := range events {
		var mv domain.Move
		if err := ev.DecodeNew(&mv); err != nil {
			obslog.L().Warn("undecodable move broadcast", zap.Error(err))
			continue
		}
		if mv.PlayerID == s.playerID {
			continue
		}

		s.mu.Lock()
		if s.game == nil || mv.GameID != s.game.ID || mv.MoveNumber <= len(s.moveLog) {
			s.mu.Unlock()
			continue
		}
		if err := s.engine.LoadPosition(mv.FENAfter); err != nil {
			s.mu.Unlock()
			obslog.L().Warn("bad position in move broadcast", zap.Error(err))
			continue
		}
		s.moveLog = append(s.moveLog, &mv)
		// re-derive turn from the payload, never assume the game-row
		// update already landed
		s.game.CurrentFEN = mv.FENAfter
		s.game.Turn = s.engine.TurnToMove()
		s.game.LastMoveAt = mv.CreatedAt
		s.clock.Switch(s.game.Turn)
		s.mu.Unlock()

		s.notifyf("opponent played %s%s", mv.FromSquare, mv.ToSquare)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.detectTerminal(ctx)
		cancel()
	}
}

// consumeGameEvents adopts remote game-row changes: the join that
// activates a waiting game, a finish recorded by the other side, or a
// game-row update observed before its move insert.
func (s *Session) consumeGameEvents(events <-chan rtevent.Event) {
	defer s.consumersWG.Done()
	for ev := range events {
		var remote domain.Game
		if err := ev.DecodeNew(&remote); err != nil {
			obslog.L().Warn("undecodable game broadcast", zap.Error(err))
			continue
		}

		s.mu.Lock()
		local := s.game
		if local == nil || remote.ID != local.ID {
			s.mu.Unlock()
			continue
		}

		joined := local.Status == domain.StatusWaiting && remote.Status == domain.StatusActive
		finished := local.Status != domain.StatusFinished && remote.Status == domain.StatusFinished
		positionChanged := remote.CurrentFEN != local.CurrentFEN

		if positionChanged {
			if err := s.engine.LoadPosition(remote.CurrentFEN); err != nil {
				s.mu.Unlock()
				obslog.L().Warn("bad position in game broadcast", zap.Error(err))
				continue
			}
		}
		s.game = &remote
		switch {
		case remote.Status == domain.StatusActive:
			s.clock.Switch(remote.Turn)
		default:
			s.clock.Switch("")
		}
		s.mu.Unlock()

		if joined {
			s.notifyf("opponent joined, game on")
		}
		if finished {
			s.notifyf("game over: %s (%s)", resultText(&remote), remote.Reason)
		}
		if positionChanged && remote.Status == domain.StatusActive {
			// the move insert may never arrive (dropped by a lagging
			// subscriber, or the mover died before its finish write),
			// so end conditions are checked on this path too
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.detectTerminal(ctx)
			cancel()
		}
	}
}

// Game returns a copy of the current game row.
func (s *Session) Game() *domain.Game {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.game == nil {
		return nil
	}
	cp := *s.game
	return &cp
}

// Moves returns the visible move log.
func (s *Session) Moves() []*domain.Move {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Move, len(s.moveLog))
	copy(out, s.moveLog)
	return out
}

// Position returns the engine's current position encoding.
func (s *Session) Position() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.PositionString()
}

// Seat reports which side this player occupies, empty for spectators.
func (s *Session) Seat() domain.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seatLocked()
}

func (s *Session) seatLocked() domain.Color {
	if s.game == nil {
		return ""
	}
	switch s.playerID {
	case s.game.WhitePlayer:
		return domain.White
	case s.game.BlackPlayer:
		return domain.Black
	}
	return ""
}

// Clocks reports both remaining times.
func (s *Session) Clocks() (white, black time.Duration) {
	return s.clock.Remaining(domain.White), s.clock.Remaining(domain.Black)
}

// Close stops the clock and detaches the subscriptions.
func (s *Session) Close() {
	s.clock.Stop()
	if s.cancelGames != nil {
		s.cancelGames()
		s.cancelMoves()
		s.consumersWG.Wait()
	}
}

func (s *Session) notifyf(format string, args ...any) {
	if s.notify != nil {
		s.notify(fmt.Sprintf(format, args...))
	}
}

func resultText(g *domain.Game) string {
	switch g.Winner {
	case string(domain.White):
		return "white wins"
	case string(domain.Black):
		return "black wins"
	case domain.WinnerDraw:
		return "draw"
	}
	return "finished"
}
