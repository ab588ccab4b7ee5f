package store

import (
	"context"
	"errors"

	"github.com/seantiz/modelrun/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByMode      map[string]int `json:"count_by_mode"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	SamplesEvaluated int            `json:"samples_evaluated"`
}

// Store defines the persistence operations for runs, their per-sample
// results and their stage output.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	SaveResults(ctx context.Context, runID string, results []model.SampleResult) error
	GetResults(ctx context.Context, runID string) ([]model.SampleResult, error)
	InsertLogLine(ctx context.Context, runID string, seq int, line string) error
	GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error)
	Close() error
}
