package script

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultPython is the interpreter used for .py scripts unless overridden.
const DefaultPython = "python3"

// Extensions with built-in dispatch rules.
const (
	ExtShell  = ".sh"
	ExtPython = ".py"
)

// Rule describes how scripts with one extension are dispatched.
type Rule struct {
	Extension   string `json:"extension"`
	Kind        Kind   `json:"kind"`
	Interpreter string `json:"interpreter,omitempty"`
}

// Dispatcher maps script file extensions to dispatch rules. It is safe for
// concurrent use.
type Dispatcher struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewDispatcher returns a dispatcher with the built-in rules: .sh scripts run
// directly and .py scripts run under python. An empty python selects
// DefaultPython.
func NewDispatcher(python string) *Dispatcher {
	if python == "" {
		python = DefaultPython
	}
	d := &Dispatcher{rules: make(map[string]Rule)}
	d.rules[ExtShell] = Rule{Extension: ExtShell, Kind: KindShell}
	d.rules[ExtPython] = Rule{Extension: ExtPython, Kind: KindInterpreter, Interpreter: python}
	return d
}

// RegisterInterpreter adds or replaces the interpreter used for ext.
func (d *Dispatcher) RegisterInterpreter(ext, interpreter string) {
	ext = normalizeExt(ext)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules[ext] = Rule{Extension: ext, Kind: KindInterpreter, Interpreter: interpreter}
}

// Resolve returns the dispatch variant for path. Paths with no matching rule
// resolve to KindUnsupported together with an error wrapping ErrUnsupported.
func (d *Dispatcher) Resolve(path string) (Script, error) {
	if path == "" {
		return Script{}, fmt.Errorf("script path is empty")
	}
	ext := normalizeExt(filepath.Ext(path))

	d.mu.RLock()
	rule, ok := d.rules[ext]
	d.mu.RUnlock()

	if !ok {
		return Script{Path: path, Kind: KindUnsupported},
			fmt.Errorf("%w: %q (extension %q; supported: %s)", ErrUnsupported, path, ext, strings.Join(d.extensions(), ", "))
	}
	return Script{Path: path, Kind: rule.Kind, Interpreter: rule.Interpreter}, nil
}

// Rules returns the registered rules sorted by extension.
func (d *Dispatcher) Rules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rules := make([]Rule, 0, len(d.rules))
	for _, r := range d.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Extension < rules[j].Extension
	})
	return rules
}

func (d *Dispatcher) extensions() []string {
	rules := d.Rules()
	exts := make([]string, len(rules))
	for i, r := range rules {
		exts[i] = r.Extension
	}
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
