// Package game implements the chess session: the rules-engine adapter,
// the turn/move state machine, and the free-running clock pair.
package game

import (
	"fmt"
	"strconv"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/avoronov/syncboard/internal/domain"
)

// MoveResult is the fully-specified record of an accepted move.
type MoveResult struct {
	From      string
	To        string
	Piece     string
	Captured  string
	Promotion string
	SAN       string
	Check     bool
	FEN       string
}

// Engine is the rules engine treated as a black box by the session:
// legality, resulting positions, and terminal predicates all live
// behind it.
type Engine interface {
	Move(from, to, promotion string) (*MoveResult, error)
	RequiresPromotion(from, to string) bool
	IsCheckmate() bool
	IsStalemate() bool
	IsThreefoldRepetition() bool
	HasInsufficientMaterial() bool
	IsDrawByFiftyMoves() bool
	PositionString() string
	TurnToMove() domain.Color
	LoadPosition(fen string) error
	Undo() error
}

// chessEngine adapts corentings/chess/v2. Repetition tracking lives
// here: occurrences are counted per position key and reset whenever a
// position is force-loaded, so a reloaded game only counts repetitions
// it has itself observed.
type chessEngine struct {
	game    *nchess.Game
	baseFEN string
	uci     []string
	seen    map[string]int
}

// NewEngine returns an engine at the standard starting position.
func NewEngine() Engine {
	e := &chessEngine{game: nchess.NewGame(), seen: map[string]int{}}
	e.baseFEN = e.game.FEN()
	e.seen[positionKey(e.baseFEN)] = 1
	return e
}

func (e *chessEngine) Move(from, to, promotion string) (*MoveResult, error) {
	uci := strings.ToLower(from + to + promotion)
	pos := e.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}

	captured := ""
	if mv.HasTag(nchess.EnPassant) {
		captured = "p"
	} else if target := pos.Board().Piece(mv.S2()); target != nchess.NoPiece {
		captured = pieceLetter(target.Type())
	}
	moved := pos.Board().Piece(mv.S1())
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)

	if err := e.game.Move(mv, nil); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	e.uci = append(e.uci, uci)
	fen := e.game.FEN()
	e.seen[positionKey(fen)]++

	return &MoveResult{
		From:      strings.ToLower(from),
		To:        strings.ToLower(to),
		Piece:     pieceLetter(moved.Type()),
		Captured:  captured,
		Promotion: strings.ToLower(promotion),
		SAN:       san,
		Check:     strings.HasSuffix(san, "+") || strings.HasSuffix(san, "#"),
		FEN:       fen,
	}, nil
}

// RequiresPromotion reports whether from→to is a pawn move onto the
// last rank, which must not be finalized without an explicit piece.
func (e *chessEngine) RequiresPromotion(from, to string) bool {
	fromSq, okFrom := parseSquare(from)
	_, okTo := parseSquare(to)
	if !okFrom || !okTo {
		return false
	}
	pos := e.game.Position()
	piece := pos.Board().Piece(fromSq)
	if piece == nchess.NoPiece || piece.Type() != nchess.Pawn || piece.Color() != pos.Turn() {
		return false
	}
	lastRank := byte('8')
	if piece.Color() == nchess.Black {
		lastRank = '1'
	}
	return to[1] == lastRank
}

func (e *chessEngine) IsCheckmate() bool {
	return e.game.Position().Status() == nchess.Checkmate
}

func (e *chessEngine) IsStalemate() bool {
	return e.game.Position().Status() == nchess.Stalemate
}

func (e *chessEngine) IsThreefoldRepetition() bool {
	return e.seen[positionKey(e.game.FEN())] >= 3
}

func (e *chessEngine) HasInsufficientMaterial() bool {
	type minor struct {
		knight bool
		bishop bool
		light  bool
	}
	var white, black minor
	for i := 0; i < 64; i++ {
		sq := nchess.Square(i)
		piece := e.game.Position().Board().Piece(sq)
		if piece == nchess.NoPiece {
			continue
		}
		side := &white
		if piece.Color() == nchess.Black {
			side = &black
		}
		switch piece.Type() {
		case nchess.King:
		case nchess.Knight:
			if side.knight || side.bishop {
				return false
			}
			side.knight = true
		case nchess.Bishop:
			if side.knight || side.bishop {
				return false
			}
			side.bishop = true
			side.light = (int(sq.File())+int(sq.Rank()))%2 == 1
		default:
			// a pawn, rook or queen is always sufficient
			return false
		}
	}
	// K vs K, K+minor vs K, K+B vs K+B on same-colored squares
	if white.knight || black.knight {
		return !(white.knight && black.knight) &&
			!(white.knight && black.bishop) && !(white.bishop && black.knight)
	}
	if white.bishop && black.bishop {
		return white.light == black.light
	}
	return true
}

func (e *chessEngine) IsDrawByFiftyMoves() bool {
	fields := strings.Fields(e.game.FEN())
	if len(fields) < 5 {
		return false
	}
	halfmoves, err := strconv.Atoi(fields[4])
	if err != nil {
		return false
	}
	return halfmoves >= 100
}

func (e *chessEngine) PositionString() string { return e.game.FEN() }

func (e *chessEngine) TurnToMove() domain.Color {
	if e.game.Position().Turn() == nchess.White {
		return domain.White
	}
	return domain.Black
}

// LoadPosition force-replaces the engine state from a FEN, the path
// every remote move and rollback takes. Move history and repetition
// counts restart from the loaded position.
func (e *chessEngine) LoadPosition(fen string) error {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	e.game = nchess.NewGame(opt)
	e.baseFEN = fen
	e.uci = nil
	e.seen = map[string]int{positionKey(e.game.FEN()): 1}
	return nil
}

// Undo rewinds the last move applied since the base position by
// replaying the remainder.
func (e *chessEngine) Undo() error {
	if len(e.uci) == 0 {
		return fmt.Errorf("no move to undo")
	}
	remaining := e.uci[:len(e.uci)-1]
	opt, err := nchess.FEN(e.baseFEN)
	if err != nil {
		return fmt.Errorf("undo: %w", err)
	}
	game := nchess.NewGame(opt)
	seen := map[string]int{positionKey(game.FEN()): 1}
	for _, uci := range remaining {
		if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
			return fmt.Errorf("undo replay %s: %w", uci, err)
		}
		seen[positionKey(game.FEN())]++
	}
	e.game = game
	e.uci = append([]string(nil), remaining...)
	e.seen = seen
	return nil
}

// positionKey ignores the FEN move counters so repeated positions
// compare equal.
func positionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) < 4 {
		return fen
	}
	return strings.Join(fields[:4], " ")
}

func parseSquare(s string) (nchess.Square, bool) {
	if len(s) != 2 {
		return 0, false
	}
	file := s[0] - 'a'
	rank := s[1] - '1'
	if file > 7 || rank > 7 {
		return 0, false
	}
	return nchess.NewSquare(nchess.File(file), nchess.Rank(rank)), true
}

func pieceLetter(t nchess.PieceType) string {
	switch t {
	case nchess.Pawn:
		return "p"
	case nchess.Knight:
		return "n"
	case nchess.Bishop:
		return "b"
	case nchess.Rook:
		return "r"
	case nchess.Queen:
		return "q"
	case nchess.King:
		return "k"
	}
	return ""
}
