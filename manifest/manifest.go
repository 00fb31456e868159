// Package manifest handles ember.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/ember/vm"
)

// Trace output formats.
const (
	FormatSQLite = "sqlite"
	FormatCBOR   = "cbor"
)

// Manifest represents an ember.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Trace   Trace   `toml:"trace"`

	// Dir is the directory containing the ember.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Trace configures event recording.
type Trace struct {
	Enabled   bool     `toml:"enabled"`
	Events    []string `toml:"events"`
	Output    string   `toml:"output"`
	Format    string   `toml:"format"`
	BatchSize int      `toml:"batch-size"`
}

// Default returns the manifest used when no ember.toml exists.
func Default() *Manifest {
	return &Manifest{
		Trace: Trace{
			Events: []string{"call", "return"},
			Output: "ember-trace.db",
			Format: FormatSQLite,
		},
	}
}

// Load parses an ember.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "ember.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	d := Default()
	if len(m.Trace.Events) == 0 {
		m.Trace.Events = d.Trace.Events
	}
	if m.Trace.Output == "" {
		m.Trace.Output = d.Trace.Output
	}
	if m.Trace.Format == "" {
		m.Trace.Format = d.Trace.Format
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find an ember.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "ember.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the configured event names and output format.
func (m *Manifest) Validate() error {
	for _, name := range m.Trace.Events {
		if _, ok := vm.EventNamed(name); !ok {
			return fmt.Errorf("unknown trace event %q", name)
		}
	}
	switch m.Trace.Format {
	case FormatSQLite, FormatCBOR:
	default:
		return fmt.Errorf("unknown trace format %q", m.Trace.Format)
	}
	if m.Trace.BatchSize < 0 {
		return fmt.Errorf("trace batch-size must not be negative")
	}
	return nil
}

// EventMask resolves the configured event names to a combined mask.
func (m *Manifest) EventMask() vm.EventFlag {
	var mask vm.EventFlag
	for _, name := range m.Trace.Events {
		if ev, ok := vm.EventNamed(name); ok {
			mask |= ev
		}
	}
	return mask
}

// OutputPath returns the trace output path resolved against the
// manifest directory.
func (m *Manifest) OutputPath() string {
	if m.Dir == "" || filepath.IsAbs(m.Trace.Output) {
		return m.Trace.Output
	}
	return filepath.Join(m.Dir, m.Trace.Output)
}
