package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoUIdentical(t *testing.T) {
	b := NewBox(0, 0, 10, 10)
	assert.InDelta(t, 1.0, IoU(b, b), 1e-9)
}

func TestIoUDisjoint(t *testing.T) {
	a := NewBox(0, 0, 10, 10)
	b := NewBox(20, 20, 30, 30)
	assert.Equal(t, 0.0, IoU(a, b))
	assert.Equal(t, 0.0, IoU(b, a))
}

func TestIoUTouchingEdges(t *testing.T) {
	// Shared edge has zero overlap area.
	a := NewBox(0, 0, 10, 10)
	b := NewBox(10, 0, 20, 10)
	assert.Equal(t, 0.0, IoU(a, b))
}

func TestIoUHalfShift(t *testing.T) {
	// Shift by half the width: inter = 50, union = 150.
	a := NewBox(0, 0, 10, 10)
	b := NewBox(5, 0, 15, 10)
	assert.InDelta(t, 1.0/3.0, IoU(a, b), 1e-9)
	assert.InDelta(t, IoU(a, b), IoU(b, a), 1e-12)
}

func TestIoUContained(t *testing.T) {
	outer := NewBox(0, 0, 10, 10)
	inner := NewBox(2, 2, 7, 7)
	assert.InDelta(t, 25.0/100.0, IoU(outer, inner), 1e-9)
}

func TestIoUDegenerate(t *testing.T) {
	line := NewBox(5, 0, 5, 10) // zero width
	square := NewBox(0, 0, 10, 10)
	assert.Equal(t, 0.0, IoU(line, square))
	assert.Equal(t, 0.0, IoU(line, line))
}

func TestNewBoxNormalizesCorners(t *testing.T) {
	b := NewBox(10, 12, 2, 4)
	assert.Equal(t, Box{X1: 2, Y1: 4, X2: 10, Y2: 12}, b)
	assert.False(t, b.Empty())
}

func TestIntersect(t *testing.T) {
	a := NewBox(0, 0, 10, 10)
	b := NewBox(5, 5, 15, 15)
	inter, ok := Intersect(a, b)
	assert.True(t, ok)
	assert.Equal(t, Box{X1: 5, Y1: 5, X2: 10, Y2: 10}, inter)

	_, ok = Intersect(a, NewBox(11, 11, 12, 12))
	assert.False(t, ok)
}
