package model

import "time"

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Execution mode constants.
const (
	ModeSerial   = "serial"
	ModeParallel = "parallel"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final run status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// LogLine represents a single persisted line of stage output from a run.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one evaluation of the external model over a sample matrix.
type Run struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	Mode             string     `json:"mode,omitempty"`
	RequestedWorkers int        `json:"requested_workers"`
	Workers          int        `json:"workers"`
	SampleCount      int        `json:"sample_count"`
	Dimension        int        `json:"dimension"`
	Error            string     `json:"error,omitempty"`
	DurationMS       *int       `json:"duration_ms,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// SampleResult pairs one sample with the QOI it produced. QOI is nil when the
// run did not collect results for the sample.
type SampleResult struct {
	Index  int       `json:"index"`
	Sample []float64 `json:"sample"`
	QOI    QOI       `json:"qoi"`
}
