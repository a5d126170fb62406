// Package overlay draws detection boxes, baseline markers and disturbance
// highlights onto JPEG frames before they are streamed to viewers.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/guardcam/protection-server/internal/geometry"
	"github.com/guardcam/protection-server/internal/protect"
)

var (
	detectionColor = color.RGBA{R: 0, G: 200, B: 60, A: 255}  // green
	baselineColor  = color.RGBA{R: 70, G: 130, B: 240, A: 255} // blue
	disturbedColor = color.RGBA{R: 230, G: 40, B: 40, A: 255}  // red
	labelBgColor   = color.RGBA{A: 255}                        // black
)

const (
	boxThickness = 2
	jpegQuality  = 80
)

// Annotate decodes a JPEG frame, draws the current detections, the armed
// baseline (if any) and red highlights for disturbed items, and re-encodes
// it. On decode failure the original bytes are returned unchanged together
// with the error, so the stream can fall back to the raw frame.
func Annotate(jpegData []byte, detections []protect.Detection, baseline []protect.ProtectedObject, disturbed map[string]bool) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData, fmt.Errorf("decode frame: %w", err)
	}

	img := image.NewRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Src)

	// Baseline first so live detections draw on top of it.
	for _, obj := range baseline {
		c := baselineColor
		if disturbed[obj.Label] {
			c = disturbedColor
		}
		drawBox(img, obj.BaselineBBox, c)
		drawLabel(img, obj.BaselineBBox, "["+obj.Label+"]", c)
	}

	for _, det := range detections {
		drawBox(img, det.BBox, detectionColor)
		drawLabel(img, det.BBox, fmt.Sprintf("%s: %.2f", det.Label, det.Confidence), detectionColor)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return jpegData, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBox outlines a bounding box, clamped to the image bounds.
func drawBox(img *image.RGBA, box geometry.Box, c color.RGBA) {
	bounds := img.Bounds()
	x1, y1 := clampPoint(bounds, int(box.X1), int(box.Y1))
	x2, y2 := clampPoint(bounds, int(box.X2), int(box.Y2))
	if x2 <= x1 || y2 <= y1 {
		return
	}

	for t := 0; t < boxThickness; t++ {
		for x := x1; x <= x2; x++ {
			setClamped(img, x, y1+t, c)
			setClamped(img, x, y2-t, c)
		}
		for y := y1; y <= y2; y++ {
			setClamped(img, x1+t, y, c)
			setClamped(img, x2-t, y, c)
		}
	}
}

// drawLabel renders text just above the box, or inside its top edge when
// there is no room above.
func drawLabel(img *image.RGBA, box geometry.Box, text string, c color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()

	x := int(box.X1)
	y := int(box.Y1) - 4
	if y-face.Ascent < img.Bounds().Min.Y {
		y = int(box.Y1) + face.Height + 2
	}

	// Backing strip keeps the caption legible over busy frames.
	bg := image.Rect(x-1, y-face.Ascent-1, x+width+1, y+face.Descent+1)
	draw.Draw(img, bg.Intersect(img.Bounds()), image.NewUniform(labelBgColor), image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func clampPoint(bounds image.Rectangle, x, y int) (int, int) {
	return min(max(x, bounds.Min.X), bounds.Max.X-1), min(max(y, bounds.Min.Y), bounds.Max.Y-1)
}

func setClamped(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}
