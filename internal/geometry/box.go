// Package geometry provides the bounding-box math used by the protection
// engine: axis-aligned boxes and intersection-over-union scoring.
package geometry

// Box is an axis-aligned bounding box in pixel space.
// Invariant: X1 <= X2 and Y1 <= Y2 (enforced by NewBox).
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// NewBox returns a Box with normalized corners. Swapped coordinates are
// reordered rather than rejected, so malformed detector output still yields
// a usable (possibly degenerate) box.
func NewBox(x1, y1, x2, y2 float64) Box {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the area of the box. Degenerate boxes have area 0.
func (b Box) Area() float64 { return b.Width() * b.Height() }

// Empty reports whether the box has zero area.
func (b Box) Empty() bool { return b.Width() <= 0 || b.Height() <= 0 }

// Intersect returns the overlapping region of a and b. The second return
// value is false when the boxes are disjoint.
func Intersect(a, b Box) (Box, bool) {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)
	if x2 <= x1 || y2 <= y1 {
		return Box{}, false
	}
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}, true
}

// IoU returns the intersection-over-union of a and b in [0, 1].
// Disjoint or degenerate boxes score 0; identical non-degenerate boxes
// score 1. The function is symmetric and side-effect free.
func IoU(a, b Box) float64 {
	if a.Empty() || b.Empty() {
		return 0
	}
	inter, ok := Intersect(a, b)
	if !ok {
		return 0
	}
	interArea := inter.Area()
	union := a.Area() + b.Area() - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
