package script

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUnsupported is returned when a script's extension has no dispatch rule.
var ErrUnsupported = errors.New("unsupported script type")

// Kind is the dispatch variant of a script.
type Kind string

// Dispatch variants.
const (
	// KindShell scripts are executed directly with the sample index as their
	// only argument.
	KindShell Kind = "shell"

	// KindInterpreter scripts are passed to an interpreter binary together with
	// the sample index.
	KindInterpreter Kind = "interpreter"

	// KindUnsupported marks a script no rule matched. It never runs.
	KindUnsupported Kind = "unsupported"
)

// Script is a pipeline stage script with its dispatch already resolved.
type Script struct {
	Path        string `json:"path"`
	Kind        Kind   `json:"kind"`
	Interpreter string `json:"interpreter,omitempty"`
}

// Name returns the script's base file name.
func (s Script) Name() string {
	return filepath.Base(s.Path)
}

// Command builds the command that runs s for sample index in dir. Relative
// script paths are resolved against dir.
func (s Script) Command(ctx context.Context, dir string, index int) (*exec.Cmd, error) {
	arg := strconv.Itoa(index)

	var cmd *exec.Cmd
	switch s.Kind {
	case KindShell:
		cmd = exec.CommandContext(ctx, executablePath(s.Path), arg)
	case KindInterpreter:
		if s.Interpreter == "" {
			return nil, fmt.Errorf("script %q: no interpreter configured", s.Path)
		}
		cmd = exec.CommandContext(ctx, s.Interpreter, s.Path, arg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, s.Path)
	}
	cmd.Dir = dir
	return cmd, nil
}

// executablePath makes a relative path explicit so exec does not search PATH
// for it.
func executablePath(path string) string {
	if filepath.IsAbs(path) || strings.HasPrefix(path, "."+string(filepath.Separator)) {
		return path
	}
	return "." + string(filepath.Separator) + filepath.Clean(path)
}
