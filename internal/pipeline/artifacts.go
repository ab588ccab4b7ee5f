package pipeline

import "fmt"

// Artifact file name formats. Every file is keyed by sample index, which keeps
// concurrent workers from touching each other's files.
const (
	runFileFormat     = "run_%d.txt"
	evalFileFormat    = "eval_%d.txt"
	archiveFileFormat = "model_%d.txt"
)

// Artifact file name prefixes, used to pick outputs out of a workspace.
const (
	EvalPrefix    = "eval_"
	ArchivePrefix = "model_"
)

// RunFile is the per-sample input file written for the input-prep stage.
func RunFile(index int) string {
	return fmt.Sprintf(runFileFormat, index)
}

// EvalFile is the per-sample result file produced by the output stage.
func EvalFile(index int) string {
	return fmt.Sprintf(evalFileFormat, index)
}

// ArchiveFile is the name an evaluated result file is renamed to in parallel
// runs.
func ArchiveFile(index int) string {
	return fmt.Sprintf(archiveFileFormat, index)
}
