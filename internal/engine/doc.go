// Package engine evaluates an external model over a sample matrix.
// It resolves a run's configuration into an immutable plan, stages a private
// workspace, evaluates the samples serially or across a pool of workers,
// merges the results back into sample order and records the run, its
// results and its stage output in the store.
package engine
