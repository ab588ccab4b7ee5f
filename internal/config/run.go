package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for run settings that cannot produce a plan.
var ErrInvalid = errors.New("invalid run configuration")

// RunConfig is the user-facing description of one evaluation run. It can be
// loaded from a YAML run file, posted as JSON, or assembled from flags.
type RunConfig struct {
	// Workers is the requested worker count. Values below 1 mean 1.
	Workers int `yaml:"workers" json:"workers"`

	// Script paths, relative to ProjectDir. OutputScript is optional.
	InputScript  string `yaml:"input_script" json:"input_script"`
	ModelScript  string `yaml:"model_script" json:"model_script"`
	OutputScript string `yaml:"output_script,omitempty" json:"output_script,omitempty"`

	// ProjectDir holds the scripts and any files they read. Its top-level
	// files are copied into each run's workspace.
	ProjectDir string `yaml:"project_dir" json:"project_dir"`

	// SamplesFile is read from ProjectDir when no samples are supplied inline.
	SamplesFile string `yaml:"samples_file" json:"samples_file"`

	// Dimension declares the sample width. 0 takes it from the data.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty"`

	// QOISize declares the result width. 0 takes it from the first result.
	QOISize int `yaml:"qoi_size,omitempty" json:"qoi_size,omitempty"`

	// OutputDir receives the retrieved artifacts. Empty skips retrieval.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// Python is the interpreter used for .py stages.
	Python string `yaml:"python" json:"python"`

	RunTimeout   Duration `yaml:"run_timeout,omitempty" json:"run_timeout,omitempty"`
	StageTimeout Duration `yaml:"stage_timeout,omitempty" json:"stage_timeout,omitempty"`
}

// LoadRunFile reads a YAML run file and applies it on top of base. Unknown
// keys are rejected. A relative project_dir set by the file is taken relative
// to the file's own directory.
func LoadRunFile(path string, base RunConfig) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("%w: read run file: %v", ErrInvalid, err)
	}

	cfg := base
	cfg.ProjectDir = ""
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return RunConfig{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, filepath.Base(path), err)
	}

	switch {
	case cfg.ProjectDir == "":
		cfg.ProjectDir = base.ProjectDir
	case !filepath.IsAbs(cfg.ProjectDir):
		cfg.ProjectDir = filepath.Join(filepath.Dir(path), cfg.ProjectDir)
	}
	return cfg, nil
}

// Duration is a time.Duration written as a Go duration string such as
// "90s" in YAML and JSON.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %s", b)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
