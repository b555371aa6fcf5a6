// Package board renders position snapshots as PNG images for the chess
// client's board command.
package board

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
	"sync"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

const (
	squareSize = 60
	boardSize  = squareSize * 8
)

var (
	lightSquare = color.RGBA{R: 0xf0, G: 0xd9, B: 0xb5, A: 0xff}
	darkSquare  = color.RGBA{R: 0xb5, G: 0x88, B: 0x63, A: 0xff}
)

// Renderer rasterizes FEN positions. Glyph images are cached per piece.
type Renderer struct {
	mu    sync.Mutex
	cache map[rune]image.Image
}

func NewRenderer() *Renderer {
	return &Renderer{cache: map[rune]image.Image{}}
}

// Render draws the position from the given FEN. flipped orients the
// board for the black seat (rank 1 at the top).
func (r *Renderer) Render(fen string, flipped bool) ([]byte, error) {
	placement := strings.Fields(fen)
	if len(placement) == 0 {
		return nil, fmt.Errorf("empty FEN")
	}
	ranks := strings.Split(placement[0], "/")
	if len(ranks) != 8 {
		return nil, fmt.Errorf("malformed FEN board %q", placement[0])
	}

	img := image.NewRGBA(image.Rect(0, 0, boardSize, boardSize))
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			fill := lightSquare
			if (row+col)%2 == 1 {
				fill = darkSquare
			}
			rect := image.Rect(col*squareSize, row*squareSize, (col+1)*squareSize, (row+1)*squareSize)
			draw.Draw(img, rect, image.NewUniform(fill), image.Point{}, draw.Src)
		}
	}

	for row, rank := range ranks {
		col := 0
		for _, ch := range rank {
			if ch >= '1' && ch <= '8' {
				col += int(ch - '0')
				continue
			}
			if col > 7 {
				return nil, fmt.Errorf("malformed FEN rank %q", rank)
			}
			glyph, err := r.glyph(ch)
			if err != nil {
				return nil, err
			}
			drawRow, drawCol := row, col
			if flipped {
				drawRow, drawCol = 7-row, 7-col
			}
			dst := image.Rect(
				drawCol*squareSize, drawRow*squareSize,
				(drawCol+1)*squareSize, (drawRow+1)*squareSize)
			draw.Draw(img, dst, glyph, image.Point{}, draw.Over)
			col++
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode board: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) glyph(piece rune) (image.Image, error) {
	r.mu.Lock()
	if img, ok := r.cache[piece]; ok {
		r.mu.Unlock()
		return img, nil
	}
	r.mu.Unlock()

	svg, err := glyphSVG(piece)
	if err != nil {
		return nil, err
	}
	icon, err := oksvg.ReadIconStream(strings.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("parse glyph %q: %w", piece, err)
	}
	icon.SetTarget(0, 0, squareSize, squareSize)

	img := image.NewRGBA(image.Rect(0, 0, squareSize, squareSize))
	scanner := rasterx.NewScannerGV(squareSize, squareSize, img, img.Bounds())
	raster := rasterx.NewDasher(squareSize, squareSize, scanner)
	icon.Draw(raster, 1.0)

	r.mu.Lock()
	r.cache[piece] = img
	r.mu.Unlock()
	return img, nil
}

// glyphSVG builds a minimalist inline glyph: FEN letters are lowercase
// for black, uppercase for white.
func glyphSVG(piece rune) (string, error) {
	fill, stroke := "#f8f8f8", "#1a1a1a"
	if piece >= 'a' && piece <= 'z' {
		fill, stroke = "#1a1a1a", "#f8f8f8"
	}
	path, ok := glyphPaths[normalizePiece(piece)]
	if !ok {
		return "", fmt.Errorf("unknown piece %q", piece)
	}
	return fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 45 45">`+
			`<path d="%s" fill="%s" stroke="%s" stroke-width="1.5" stroke-linejoin="round"/>`+
			`</svg>`,
		path, fill, stroke), nil
}

func normalizePiece(piece rune) rune {
	if piece >= 'A' && piece <= 'Z' {
		return piece + ('a' - 'A')
	}
	return piece
}

// Minimalist silhouettes on a 45x45 viewBox.
var glyphPaths = map[rune]string{
	'p': "M22.5 9 A5.5 5.5 0 1 1 22.4 9 Z M17 20 H28 L30 32 H15 Z M12 34 H33 V38 H12 Z",
	'r': "M12 10 H16 V13 H20 V10 H25 V13 H29 V10 H33 V17 H30 L30 32 H15 L15 17 H12 Z M11 34 H34 V38 H11 Z",
	'n': "M15 38 H33 L31 25 C34 18 30 10 22 9 L20 6 L19 10 C13 12 11 18 12 22 L17 20 L14 26 L18 28 Z",
	'b': "M22.5 7 A3 3 0 1 1 22.4 7 Z M16 24 C16 17 20 13 22.5 11 C25 13 29 17 29 24 C29 29 26 31 22.5 31 C19 31 16 29 16 24 Z M13 34 H32 V38 H13 Z",
	'q': "M9 14 L14 27 L16 12 L21 26 L22.5 10 L24 26 L29 12 L31 27 L36 14 L33 32 H12 Z M11 34 H34 V38 H11 Z",
	'k': "M21 6 H24 V9 H27 V12 H24 V16 H21 V12 H18 V9 H21 Z M15 18 H30 L32 32 H13 Z M12 34 H33 V38 H12 Z",
}
