// Package worker evaluates batches of samples. A batch is either run in the
// caller's goroutine, handed to a goroutine, or shipped to an isolated worker
// process that reports back over a framed message channel.
package worker

import (
	"context"
	"fmt"

	"github.com/seantiz/modelrun/internal/model"
	"github.com/seantiz/modelrun/internal/partition"
	"github.com/seantiz/modelrun/internal/pipeline"
)

// Run evaluates every sample of batch in ascending index order and returns
// the collected results. rows[k] is the sample at index batch.Start+k.
// qoiWidth fixes the expected QOI width; 0 takes it from the first result.
//
// The first failure aborts the batch. When the invoker collects no results,
// the returned Values are all nil.
func Run(ctx context.Context, inv *pipeline.Invoker, batch partition.Batch, rows [][]float64, qoiWidth int) (BatchResult, error) {
	if len(rows) != batch.Len() {
		return BatchResult{}, fmt.Errorf("worker %d: got %d rows for %d indices", batch.Worker, len(rows), batch.Len())
	}

	guard := model.NewShapeGuard(qoiWidth)
	res := BatchResult{
		Worker:  batch.Worker,
		Indices: make([]int, 0, batch.Len()),
		Values:  make([]model.QOI, 0, batch.Len()),
	}

	for k, index := range batch.Indices() {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, fmt.Errorf("worker %d: %w", batch.Worker, err)
		}

		qoi, err := inv.Evaluate(ctx, index, rows[k])
		if err != nil {
			return BatchResult{}, fmt.Errorf("worker %d: %w", batch.Worker, err)
		}
		if qoi != nil {
			if err := guard.Check(qoi); err != nil {
				return BatchResult{}, fmt.Errorf("worker %d: sample %d: %w", batch.Worker, index, err)
			}
		}

		res.Indices = append(res.Indices, index)
		res.Values = append(res.Values, qoi)
	}
	return res, nil
}
