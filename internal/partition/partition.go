// Package partition splits a sample index range into contiguous batches, one
// per worker.
package partition

// Batch is the contiguous index range [Start, End) owned by one worker.
type Batch struct {
	Worker int `json:"worker"`
	Start  int `json:"start"`
	End    int `json:"end"`
}

// Len returns the number of indices in the batch.
func (b Batch) Len() int {
	return b.End - b.Start
}

// Indices returns the batch's indices in ascending order.
func (b Batch) Indices() []int {
	out := make([]int, 0, b.Len())
	for i := b.Start; i < b.End; i++ {
		out = append(out, i)
	}
	return out
}

// Workers returns the number of batches Split produces for n samples and c
// requested workers: c is raised to 1 and lowered to n.
func Workers(n, c int) int {
	if n <= 0 {
		return 0
	}
	if c < 1 {
		c = 1
	}
	if n/c == 0 {
		c = n
	}
	return c
}

// Split partitions [0, n) into Workers(n, c) contiguous batches whose sizes
// differ by at most one. Every batch starts at ceil(n/c) indices and the
// surplus is trimmed one index at a time from the trailing batches, so worker
// 0 always holds the first and largest batch.
//
// For n=10, c=3 this gives sizes 4,3,3. Schemes that shrink the earliest
// batches instead give 3,3,4; only the sizes differ, since results are merged
// by index either way.
func Split(n, c int) []Batch {
	c = Workers(n, c)
	if c == 0 {
		return nil
	}

	size := (n + c - 1) / c
	surplus := size*c - n

	batches := make([]Batch, c)
	start := 0
	for w := range c {
		length := size
		if w >= c-surplus {
			length--
		}
		batches[w] = Batch{Worker: w, Start: start, End: start + length}
		start += length
	}
	return batches
}
