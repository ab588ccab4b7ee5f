package model

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when a QOI does not have the width declared
// for its run.
var ErrShapeMismatch = errors.New("qoi shape mismatch")

// QOI is the quantity of interest produced by one model evaluation. Scalar
// results have length 1.
type QOI []float64

// Scalar reports whether q holds exactly one value.
func (q QOI) Scalar() bool {
	return len(q) == 1
}

// ShapeGuard enforces a single QOI width across a run. The width is fixed by
// the first checked value unless it was declared up front. It is not safe for
// concurrent use.
type ShapeGuard struct {
	width int
}

// NewShapeGuard returns a guard for the given declared width. A width of 0
// means the width is taken from the first checked QOI.
func NewShapeGuard(width int) *ShapeGuard {
	return &ShapeGuard{width: width}
}

// Width returns the fixed width, or 0 if none has been established yet.
func (g *ShapeGuard) Width() int {
	return g.width
}

// Check validates q against the run's width.
func (g *ShapeGuard) Check(q QOI) error {
	if len(q) == 0 {
		return fmt.Errorf("%w: empty result", ErrShapeMismatch)
	}
	if g.width == 0 {
		g.width = len(q)
		return nil
	}
	if len(q) != g.width {
		return fmt.Errorf("%w: got %d values, want %d", ErrShapeMismatch, len(q), g.width)
	}
	return nil
}
