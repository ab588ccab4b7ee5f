// Package workspace manages the scratch directory a run executes in. The
// project's scripts and data are copied into a fresh temporary directory so
// concurrent runs never share files, and chosen artifacts are copied back out
// when the run ends.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Workspace is a temporary run directory.
type Workspace struct {
	dir string
}

// Stage creates a new workspace for runID and copies every regular top-level
// file of srcDir into it, preserving file modes. Subdirectories are not
// copied, nor are files whose source path skip accepts. A nil skip copies
// everything.
func Stage(srcDir, runID string, skip func(path string) bool) (*Workspace, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("read project dir: %w", err)
	}

	dir, err := os.MkdirTemp("", "modelrun-"+runID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{dir: dir}

	for _, e := range entries {
		src := filepath.Join(srcDir, e.Name())
		if !e.Type().IsRegular() || (skip != nil && skip(src)) {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, e.Name())); err != nil {
			ws.Remove()
			return nil, fmt.Errorf("stage %s: %w", e.Name(), err)
		}
	}
	return ws, nil
}

// Dir returns the workspace path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Retrieve copies the top-level files accepted by match into outDir, creating
// it if needed, and returns their names sorted. A nil match accepts every file.
func (w *Workspace) Retrieve(outDir string, match func(name string) bool) ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var copied []string
	for _, e := range entries {
		if !e.Type().IsRegular() || (match != nil && !match(e.Name())) {
			continue
		}
		if err := copyFile(filepath.Join(w.dir, e.Name()), filepath.Join(outDir, e.Name())); err != nil {
			return copied, fmt.Errorf("retrieve %s: %w", e.Name(), err)
		}
		copied = append(copied, e.Name())
	}
	sort.Strings(copied)
	return copied, nil
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// HasPrefix returns a match function accepting names with any of prefixes.
func HasPrefix(prefixes ...string) func(string) bool {
	return func(name string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	}
}

// Excluding returns a skip function for Stage that accepts exactly the given
// files, compared by absolute path.
func Excluding(paths ...string) func(string) bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			set[abs] = true
		}
	}
	return func(path string) bool {
		abs, err := filepath.Abs(path)
		return err == nil && set[abs]
	}
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	// OpenFile applies the umask; restore the source mode exactly.
	return out.Chmod(info.Mode().Perm())
}
