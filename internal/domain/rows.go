package domain

import "time"

// Table names used by the row store and the change broadcast.
const (
	TableCanvasState = "canvas_state"
	TableGames       = "chess_games"
	TableMoves       = "chess_moves"
	TablePlayers     = "players"
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Status represents a game lifecycle state.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Winner values recorded when a game finishes.
const (
	WinnerDraw = "draw"
)

// Finish reasons, in terminal-detection priority order.
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonRepetition           = "repetition"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonFiftyMoves           = "fifty_moves"
	ReasonResignation          = "resignation"
	ReasonTimeout              = "timeout"
)

// CanvasState is the singleton shared-canvas row. Every save is a full
// overwrite upsert; the store keeps no history.
type CanvasState struct {
	ID          int64     `json:"id"`
	ImagePNG    []byte    `json:"image_png"`
	LastUpdated time.Time `json:"last_updated"`
}

// Game is the persisted state of a chess match.
type Game struct {
	ID          string    `json:"id"`
	WhitePlayer string    `json:"white_player"`
	BlackPlayer string    `json:"black_player,omitempty"`
	Status      Status    `json:"status"`
	CurrentFEN  string    `json:"current_fen"`
	Turn        Color     `json:"turn"`
	GameTimeMs  int64     `json:"game_time_ms"`
	Winner      string    `json:"winner,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	LastMoveAt  time.Time `json:"last_move_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Move is one immutable ply of a game's append-only move log. Rows are
// never updated or deleted; move_number ordering is the canonical
// sequence.
type Move struct {
	GameID        string    `json:"game_id"`
	MoveNumber    int       `json:"move_number"`
	FromSquare    string    `json:"from_square"`
	ToSquare      string    `json:"to_square"`
	Piece         string    `json:"piece"`
	CapturedPiece string    `json:"captured_piece,omitempty"`
	Promotion     string    `json:"promotion,omitempty"`
	FENAfter      string    `json:"fen_after"`
	PlayerID      string    `json:"player_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Player is a client-generated persistent pseudo-identity. Not an
// authenticated account.
type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
}
