// Package canvas implements the shared drawing surface: the local
// bitmap, the bounded undo history, and the save gate that keeps the
// persisted row, the broadcast echo, and the local pixels reconciled.
package canvas

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/srwiley/rasterx"
	"golang.org/x/image/math/fixed"
)

// Point is a stroke vertex in pixel coordinates.
type Point struct {
	X, Y float64
}

// Bitmap is the in-memory canvas. The PNG encoding of its pixels is the
// unit of persistence, broadcast, and fingerprint comparison.
type Bitmap struct {
	img *image.RGBA
}

var background = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// NewBitmap returns a white canvas of the given size.
func NewBitmap(width, height int) *Bitmap {
	b := &Bitmap{img: image.NewRGBA(image.Rect(0, 0, width, height))}
	b.Clear()
	return b
}

// Clear repaints the whole surface white.
func (b *Bitmap) Clear() {
	draw.Draw(b.img, b.img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
}

// Stroke paints a polyline with round caps and joins. A single point
// renders as a dot of the brush width.
func (b *Bitmap) Stroke(points []Point, width float64, col color.Color) error {
	if len(points) == 0 {
		return fmt.Errorf("stroke needs at least one point")
	}
	if width <= 0 {
		return fmt.Errorf("stroke width must be positive")
	}
	if len(points) == 1 {
		// zero-length segment so the round caps form the dot
		points = append(points, points[0])
	}

	bounds := b.img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	scanner := rasterx.NewScannerGV(w, h, b.img, bounds)
	raster := rasterx.NewDasher(w, h, scanner)
	raster.SetColor(col)
	raster.SetStroke(
		fixed.Int26_6(width*64), fixed.Int26_6(4*64),
		rasterx.RoundCap, rasterx.RoundCap, rasterx.RoundGap,
		rasterx.Round, nil, 0,
	)
	raster.Start(fixedPoint(points[0]))
	for _, p := range points[1:] {
		raster.Line(fixedPoint(p))
	}
	raster.Stop(false)
	raster.Draw()
	return nil
}

// Erase is a background-colored stroke.
func (b *Bitmap) Erase(points []Point, width float64) error {
	return b.Stroke(points, width, background)
}

// EncodePNG snapshots the current pixels.
func (b *Bitmap) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, b.img); err != nil {
		return nil, fmt.Errorf("encode canvas: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadPNG replaces the canvas pixels with a decoded snapshot. The
// canvas adopts the snapshot's dimensions.
func (b *Bitmap) LoadPNG(data []byte) error {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode canvas snapshot: %w", err)
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	b.img = rgba
	return nil
}

// Size reports the current canvas dimensions.
func (b *Bitmap) Size() (int, int) {
	bounds := b.img.Bounds()
	return bounds.Dx(), bounds.Dy()
}

func fixedPoint(p Point) fixed.Point26_6 {
	return fixed.Point26_6{X: fixed.Int26_6(p.X * 64), Y: fixed.Int26_6(p.Y * 64)}
}
