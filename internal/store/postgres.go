package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/avoronov/syncboard/internal/domain"
	"github.com/avoronov/syncboard/internal/obslog"
)

type pgStore struct {
	db *sql.DB
}

// NewPostgres opens a Postgres-backed store. An unreachable database is
// not fatal here: database/sql dials per query, so the client starts in
// offline mode and recovers as soon as the server answers.
func NewPostgres(databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		obslog.L().Warn("database unreachable, starting offline", zap.Error(err))
	}
	return &pgStore{db: db}, nil
}

func (s *pgStore) Canvas() CanvasRepo  { return (*pgCanvas)(s) }
func (s *pgStore) Players() PlayerRepo { return (*pgPlayers)(s) }
func (s *pgStore) Games() GameRepo     { return (*pgGames)(s) }
func (s *pgStore) Moves() MoveRepo     { return (*pgMoves)(s) }

func (s *pgStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *pgStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type pgCanvas pgStore

func (c *pgCanvas) Load(ctx context.Context, id int64) (*domain.CanvasState, error) {
	const q = `SELECT id, image_png, last_updated FROM canvas_state WHERE id = $1`
	row := c.db.QueryRowContext(ctx, q, id)
	var state domain.CanvasState
	if err := row.Scan(&state.ID, &state.ImagePNG, &state.LastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load canvas: %w", err)
	}
	return &state, nil
}

func (c *pgCanvas) Upsert(ctx context.Context, state *domain.CanvasState) error {
	const q = `INSERT INTO canvas_state (id, image_png, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			image_png = EXCLUDED.image_png,
			last_updated = EXCLUDED.last_updated`
	if _, err := c.db.ExecContext(ctx, q, state.ID, state.ImagePNG, state.LastUpdated); err != nil {
		return fmt.Errorf("upsert canvas: %w", err)
	}
	return nil
}

type pgPlayers pgStore

func (p *pgPlayers) Get(ctx context.Context, id string) (*domain.Player, error) {
	const q = `SELECT id, username, rating FROM players WHERE id = $1`
	var pl domain.Player
	if err := p.db.QueryRowContext(ctx, q, id).Scan(&pl.ID, &pl.Username, &pl.Rating); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get player: %w", err)
	}
	return &pl, nil
}

func (p *pgPlayers) Insert(ctx context.Context, pl *domain.Player) error {
	const q = `INSERT INTO players (id, username, rating)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, q, pl.ID, pl.Username, pl.Rating); err != nil {
		return fmt.Errorf("insert player: %w", err)
	}
	return nil
}

func (p *pgPlayers) Rename(ctx context.Context, id, username string) error {
	const q = `UPDATE players SET username = $2 WHERE id = $1`
	res, err := p.db.ExecContext(ctx, q, id, username)
	if err != nil {
		return fmt.Errorf("rename player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type pgGames pgStore

const gameColumns = `id, white_player, COALESCE(black_player, ''), status, current_fen, turn,
	game_time_ms, COALESCE(winner, ''), COALESCE(reason, ''), last_move_at, created_at`

func scanGame(row interface{ Scan(...any) error }) (*domain.Game, error) {
	var g domain.Game
	err := row.Scan(&g.ID, &g.WhitePlayer, &g.BlackPlayer, &g.Status, &g.CurrentFEN, &g.Turn,
		&g.GameTimeMs, &g.Winner, &g.Reason, &g.LastMoveAt, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *pgGames) Insert(ctx context.Context, game *domain.Game) error {
	const q = `INSERT INTO chess_games
		(id, white_player, status, current_fen, turn, game_time_ms, last_move_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := g.db.ExecContext(ctx, q,
		game.ID, game.WhitePlayer, game.Status, game.CurrentFEN, game.Turn,
		game.GameTimeMs, game.LastMoveAt, game.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

func (g *pgGames) Get(ctx context.Context, id string) (*domain.Game, error) {
	q := `SELECT ` + gameColumns + ` FROM chess_games WHERE id = $1`
	game, err := scanGame(g.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get game: %w", err)
	}
	return game, nil
}

func (g *pgGames) ListOpen(ctx context.Context, limit int) ([]*domain.Game, error) {
	q := `SELECT ` + gameColumns + ` FROM chess_games
		WHERE status IN ('waiting', 'active')
		ORDER BY created_at DESC
		LIMIT $1`
	rows, err := g.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()
	var list []*domain.Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		list = append(list, game)
	}
	return list, rows.Err()
}

// ClaimBlackSeat relies on the conditional UPDATE as the tie-breaker
// between racing joiners; the losing caller gets the row that actually
// won.
func (g *pgGames) ClaimBlackSeat(ctx context.Context, gameID, playerID string) (*domain.Game, bool, error) {
	q := `UPDATE chess_games
		SET black_player = $2, status = 'active'
		WHERE id = $1 AND status = 'waiting' AND black_player IS NULL AND white_player <> $2
		RETURNING ` + gameColumns
	game, err := scanGame(g.db.QueryRowContext(ctx, q, gameID, playerID))
	if err == nil {
		return game, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("claim seat: %w", err)
	}
	game, err = g.Get(ctx, gameID)
	if err != nil {
		return nil, false, err
	}
	return game, false, nil
}

func (g *pgGames) UpdateAfterMove(ctx context.Context, gameID, fen string, turn domain.Color, at time.Time) (*domain.Game, error) {
	q := `UPDATE chess_games
		SET current_fen = $2, turn = $3, last_move_at = $4
		WHERE id = $1
		RETURNING ` + gameColumns
	game, err := scanGame(g.db.QueryRowContext(ctx, q, gameID, fen, turn, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update game: %w", err)
	}
	return game, nil
}

// Finish is the single finished-transition; with two clients detecting a
// terminal condition (or both clocks expiring) only the first conditional
// update applies.
func (g *pgGames) Finish(ctx context.Context, gameID, winner, reason string) (*domain.Game, bool, error) {
	q := `UPDATE chess_games
		SET status = 'finished', winner = $2, reason = $3
		WHERE id = $1 AND status = 'active'
		RETURNING ` + gameColumns
	game, err := scanGame(g.db.QueryRowContext(ctx, q, gameID, winner, reason))
	if err == nil {
		return game, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("finish game: %w", err)
	}
	game, err = g.Get(ctx, gameID)
	if err != nil {
		return nil, false, err
	}
	return game, false, nil
}

type pgMoves pgStore

func (m *pgMoves) Append(ctx context.Context, mv *domain.Move) error {
	const q = `INSERT INTO chess_moves
		(game_id, move_number, from_square, to_square, piece, captured_piece, promotion, fen_after, player_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := m.db.ExecContext(ctx, q,
		mv.GameID, mv.MoveNumber, mv.FromSquare, mv.ToSquare, mv.Piece,
		nullable(mv.CapturedPiece), nullable(mv.Promotion), mv.FENAfter, mv.PlayerID, mv.CreatedAt)
	if err != nil {
		return fmt.Errorf("append move: %w", err)
	}
	return nil
}

func (m *pgMoves) ListByGame(ctx context.Context, gameID string) ([]*domain.Move, error) {
	const q = `SELECT game_id, move_number, from_square, to_square, piece,
		COALESCE(captured_piece, ''), COALESCE(promotion, ''), fen_after, player_id, created_at
		FROM chess_moves WHERE game_id = $1 ORDER BY move_number ASC`
	rows, err := m.db.QueryContext(ctx, q, gameID)
	if err != nil {
		return nil, fmt.Errorf("list moves: %w", err)
	}
	defer rows.Close()
	var list []*domain.Move
	for rows.Next() {
		var mv domain.Move
		err := rows.Scan(&mv.GameID, &mv.MoveNumber, &mv.FromSquare, &mv.ToSquare, &mv.Piece,
			&mv.CapturedPiece, &mv.Promotion, &mv.FENAfter, &mv.PlayerID, &mv.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan move: %w", err)
		}
		list = append(list, &mv)
	}
	return list, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
