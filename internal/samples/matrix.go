// Package samples holds the sample matrix a run evaluates, along with the
// plain-text encodings used to load it in bulk and to hand single samples to
// the external pipeline.
package samples

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalid is returned for malformed or inconsistently shaped sample data.
var ErrInvalid = errors.New("invalid samples")

// RowPrecision is the number of decimal places written per sample value.
const RowPrecision = 5

// Matrix is an ordered sequence of fixed-dimension sample vectors. The row
// index is the only identity a sample has.
type Matrix [][]float64

// Len returns the number of samples.
func (m Matrix) Len() int {
	return len(m)
}

// Dimension returns the width of the sample vectors, or 0 for an empty matrix.
func (m Matrix) Dimension() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Validate checks that the matrix is non-empty, rectangular and finite.
func (m Matrix) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("%w: no samples", ErrInvalid)
	}
	dim := len(m[0])
	if dim == 0 {
		return fmt.Errorf("%w: sample 0 is empty", ErrInvalid)
	}
	for i, row := range m {
		if len(row) != dim {
			return fmt.Errorf("%w: sample %d has %d values, want %d", ErrInvalid, i, len(row), dim)
		}
		for j, v := range row {
			if !Finite(v) {
				return fmt.Errorf("%w: sample %d value %d is %v", ErrInvalid, i, j, v)
			}
		}
	}
	return nil
}

// Finite reports whether v is neither NaN nor an infinity. Non-finite values
// cannot be written to the run store or passed to worker processes.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clone returns a deep copy of m.
func (m Matrix) Clone() Matrix {
	if m == nil {
		return nil
	}
	out := make(Matrix, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// FormatRow encodes one sample as space-separated fixed-point values with a
// trailing newline.
func FormatRow(row []float64) string {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', RowPrecision, 64))
	}
	b.WriteByte('\n')
	return b.String()
}

// ParseValues parses whitespace or comma separated numbers.
func ParseValues(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalid, f, err)
		}
		values = append(values, v)
	}
	return values, nil
}
