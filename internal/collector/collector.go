// Package collector merges per-worker batch results, which arrive in
// completion order, back into one sequence in sample index order.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/seantiz/modelrun/internal/model"
	"github.com/seantiz/modelrun/internal/worker"
)

// ErrMissingResults is returned when a sequence is requested before every
// sample index has a result.
var ErrMissingResults = errors.New("missing results")

// maxListedIndices caps how many missing indices an error message names.
const maxListedIndices = 10

// Collector places batch results by their original sample index. It is not
// safe for concurrent use; feed it from a single goroutine, usually through
// Drain.
type Collector struct {
	values  []model.QOI
	filled  []bool
	guard   *model.ShapeGuard
	batches int
}

// New returns a collector for n samples. width fixes the QOI width; 0 takes
// it from the first result added.
func New(n, width int) *Collector {
	return &Collector{
		values: make([]model.QOI, n),
		filled: make([]bool, n),
		guard:  model.NewShapeGuard(width),
	}
}

// Add places every value of res at its index. A result that addresses an
// index out of range or already filled, or whose shape disagrees with the
// rest of the run, is rejected as a whole.
func (c *Collector) Add(res worker.BatchResult) error {
	if len(res.Indices) != len(res.Values) {
		return fmt.Errorf("worker %d: %d indices but %d values", res.Worker, len(res.Indices), len(res.Values))
	}

	seen := make(map[int]struct{}, len(res.Indices))
	for _, idx := range res.Indices {
		if idx < 0 || idx >= len(c.values) {
			return fmt.Errorf("worker %d: index %d out of range [0, %d)", res.Worker, idx, len(c.values))
		}
		if _, dup := seen[idx]; dup || c.filled[idx] {
			return fmt.Errorf("worker %d: index %d reported twice", res.Worker, idx)
		}
		seen[idx] = struct{}{}
	}
	for k, v := range res.Values {
		if v == nil {
			continue
		}
		if err := c.guard.Check(v); err != nil {
			return fmt.Errorf("worker %d: sample %d: %w", res.Worker, res.Indices[k], err)
		}
	}

	for k, idx := range res.Indices {
		c.values[idx] = res.Values[k]
		c.filled[idx] = true
	}
	c.batches++
	return nil
}

// Drain adds results from ch until expected batches have been received, ch
// is closed or ctx is done.
func (c *Collector) Drain(ctx context.Context, ch <-chan worker.BatchResult, expected int) error {
	for received := 0; received < expected; received++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: channel closed after %d of %d batches", ErrMissingResults, received, expected)
			}
			if err := c.Add(res); err != nil {
				return err
			}
		}
	}
	return nil
}

// Batches returns the number of batch results added so far.
func (c *Collector) Batches() int {
	return c.batches
}

// Width returns the established QOI width, or 0 if none is known yet.
func (c *Collector) Width() int {
	return c.guard.Width()
}

// Sequence returns the results in sample index order. It fails unless every
// index has been filled.
func (c *Collector) Sequence() ([]model.QOI, error) {
	var missing []int
	for i, ok := range c.filled {
		if !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d samples (indices %s)", ErrMissingResults, len(missing), len(c.filled), listIndices(missing))
	}

	out := make([]model.QOI, len(c.values))
	copy(out, c.values)
	return out, nil
}

func listIndices(idx []int) string {
	n := min(len(idx), maxListedIndices)
	parts := make([]string, n)
	for i := range n {
		parts[i] = strconv.Itoa(idx[i])
	}
	s := strings.Join(parts, ", ")
	if len(idx) > n {
		s += ", ..."
	}
	return s
}
