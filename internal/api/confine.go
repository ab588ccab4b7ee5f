package api

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/seantiz/modelrun/internal/config"
)

// errNotPermitted is returned when a submitted run reaches outside the
// server's project root or overrides a server-only setting.
var errNotPermitted = errors.New("not permitted")

// confine restricts a run submitted over HTTP to the server's project root.
// A project_dir or output_dir that differs from the server default must
// resolve inside the root, and is rewritten to its absolute form. Relative
// paths are taken from the root. Script paths and samples_file must be local
// to the project directory, and the interpreter cannot be changed.
func (s *Server) confine(rc *config.RunConfig) error {
	if rc.ProjectDir != s.defaults.ProjectDir {
		dir, err := s.underRoot("project_dir", rc.ProjectDir)
		if err != nil {
			return err
		}
		rc.ProjectDir = dir
	}
	if rc.OutputDir != "" && rc.OutputDir != s.defaults.OutputDir {
		dir, err := s.underRoot("output_dir", rc.OutputDir)
		if err != nil {
			return err
		}
		rc.OutputDir = dir
	}

	for _, f := range []struct{ name, path string }{
		{"input_script", rc.InputScript},
		{"model_script", rc.ModelScript},
		{"output_script", rc.OutputScript},
		{"samples_file", rc.SamplesFile},
	} {
		if f.path != "" && !filepath.IsLocal(f.path) {
			return fmt.Errorf("%w: %s %q must be a relative path inside the project", errNotPermitted, f.name, f.path)
		}
	}

	if rc.Python != s.defaults.Python {
		return fmt.Errorf("%w: python cannot be overridden per run", errNotPermitted)
	}
	return nil
}

// underRoot resolves p against the project root and fails if the result
// lies outside it.
func (s *Server) underRoot(field, p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s %q is outside the project root", errNotPermitted, field, p)
	}
	return p, nil
}
