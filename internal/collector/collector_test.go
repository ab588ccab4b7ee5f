package collector

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/seantiz/modelrun/internal/model"
	"github.com/seantiz/modelrun/internal/partition"
	"github.com/seantiz/modelrun/internal/worker"
)

// batchResult fabricates the result a worker would report for b, with the
// QOI of sample i equal to {i, i*10}.
func batchResult(b partition.Batch) worker.BatchResult {
	res := worker.BatchResult{Worker: b.Worker}
	for _, i := range b.Indices() {
		res.Indices = append(res.Indices, i)
		res.Values = append(res.Values, model.QOI{float64(i), float64(i * 10)})
	}
	return res
}

func checkOrdered(t *testing.T, seq []model.QOI, n int) {
	t.Helper()
	if len(seq) != n {
		t.Fatalf("len = %d, want %d", len(seq), n)
	}
	for i, q := range seq {
		if len(q) != 2 || q[0] != float64(i) || q[1] != float64(i*10) {
			t.Errorf("seq[%d] = %v, want [%d %d]", i, q, i, i*10)
		}
	}
}

func TestSequenceOrderIndependentOfCompletion(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for n := 1; n <= 40; n++ {
		for c := 1; c <= 8; c++ {
			batches := partition.Split(n, c)
			rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })

			col := New(n, 0)
			for _, b := range batches {
				if err := col.Add(batchResult(b)); err != nil {
					t.Fatalf("n=%d c=%d: Add: %v", n, c, err)
				}
			}
			seq, err := col.Sequence()
			if err != nil {
				t.Fatalf("n=%d c=%d: Sequence: %v", n, c, err)
			}
			checkOrdered(t, seq, n)
			if col.Batches() != len(batches) {
				t.Errorf("n=%d c=%d: Batches = %d, want %d", n, c, col.Batches(), len(batches))
			}
		}
	}
}

func TestReverseCompletionOrder(t *testing.T) {
	// Worker 2 finishes first, worker 0 last.
	batches := partition.Split(10, 3)
	col := New(10, 2)
	for i := len(batches) - 1; i >= 0; i-- {
		if err := col.Add(batchResult(batches[i])); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	seq, err := col.Sequence()
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	checkOrdered(t, seq, 10)
}

func TestSequenceMissingResults(t *testing.T) {
	batches := partition.Split(10, 3)
	col := New(10, 0)
	if err := col.Add(batchResult(batches[0])); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err := col.Sequence()
	if !errors.Is(err, ErrMissingResults) {
		t.Fatalf("Sequence error = %v, want ErrMissingResults", err)
	}
	if !strings.Contains(err.Error(), "6 of 10") || !strings.Contains(err.Error(), "4, 5, 6") {
		t.Errorf("error %q does not name the missing indices", err)
	}
}

func TestAddRejects(t *testing.T) {
	tests := []struct {
		name string
		res  worker.BatchResult
	}{
		{"out of range", worker.BatchResult{Indices: []int{5}, Values: []model.QOI{{1, 1}}}},
		{"negative", worker.BatchResult{Indices: []int{-1}, Values: []model.QOI{{1, 1}}}},
		{"length mismatch", worker.BatchResult{Indices: []int{0, 1}, Values: []model.QOI{{1, 1}}}},
		{"duplicate in batch", worker.BatchResult{Indices: []int{1, 1}, Values: []model.QOI{{1, 1}, {1, 1}}}},
		{"already filled", worker.BatchResult{Indices: []int{0}, Values: []model.QOI{{1, 1}}}},
		{"wrong width", worker.BatchResult{Indices: []int{2}, Values: []model.QOI{{1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := New(5, 0)
			if err := col.Add(worker.BatchResult{Indices: []int{0}, Values: []model.QOI{{0, 0}}}); err != nil {
				t.Fatalf("seed Add: %v", err)
			}
			if err := col.Add(tt.res); err == nil {
				t.Error("Add should fail")
			}
			// A rejected batch leaves no partial writes behind.
			if col.filled[1] || col.filled[2] {
				t.Error("rejected batch was partially applied")
			}
		})
	}
}

func TestAddShapeMismatch(t *testing.T) {
	col := New(2, 3)
	err := col.Add(worker.BatchResult{Indices: []int{0}, Values: []model.QOI{{1, 2}}})
	if !errors.Is(err, model.ErrShapeMismatch) {
		t.Errorf("Add error = %v, want ErrShapeMismatch", err)
	}
}

func TestDrain(t *testing.T) {
	batches := partition.Split(7, 3)
	ch := make(chan worker.BatchResult, len(batches))
	for i := len(batches) - 1; i >= 0; i-- {
		ch <- batchResult(batches[i])
	}

	col := New(7, 0)
	if err := col.Drain(context.Background(), ch, len(batches)); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	seq, err := col.Sequence()
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	checkOrdered(t, seq, 7)
	if col.Width() != 2 {
		t.Errorf("Width = %d, want 2", col.Width())
	}
}

func TestDrainClosedChannel(t *testing.T) {
	ch := make(chan worker.BatchResult, 1)
	ch <- batchResult(partition.Batch{Start: 0, End: 2})
	close(ch)

	col := New(4, 0)
	if err := col.Drain(context.Background(), ch, 2); !errors.Is(err, ErrMissingResults) {
		t.Errorf("Drain error = %v, want ErrMissingResults", err)
	}
}

func TestDrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	col := New(4, 0)
	if err := col.Drain(ctx, make(chan worker.BatchResult), 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Drain error = %v, want context.Canceled", err)
	}
}

func TestNilValuesAreAccepted(t *testing.T) {
	col := New(2, 0)
	if err := col.Add(worker.BatchResult{Indices: []int{0, 1}, Values: []model.QOI{nil, nil}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	seq, err := col.Sequence()
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if len(seq) != 2 || seq[0] != nil {
		t.Errorf("seq = %v, want two nil entries", seq)
	}
}
