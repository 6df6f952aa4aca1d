// Package config loads the operator profile vtmon reads at startup: the
// default mismatch-guard policy, color theme, and stack-capture depth an
// operator wants across hook-sets without repeating CLI flags every run.
//
// gopkg.in/yaml.v3 is declared direct in the teacher's go.mod but never
// imported by its own source; this package gives it a real job.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is the operator's persisted configuration, normally loaded
// from ~/.vtmon.yaml or a path passed via --config.
type Profile struct {
	// IgnoreVtableMismatch seeds Hooker.IgnoreVtableMismatch for every
	// hook-set this profile's flags apply to, unless overridden by a
	// command-specific flag.
	IgnoreVtableMismatch bool `yaml:"ignore_vtable_mismatch"`

	// Theme selects a colorize palette name. "disasm-dark" is the only
	// one wired today; the field exists so a profile can name a future
	// one without a CLI flag.
	Theme string `yaml:"theme"`

	// MaxStackFrames caps how many frames the CLI's copy-stack path
	// prints/copies from a captured call stack; 0 means "everything
	// captured." The TUI doesn't currently render full call stacks, so
	// it doesn't consult this field.
	MaxStackFrames int `yaml:"max_stack_frames"`

	// NoColor disables ANSI colorizing, mirroring colorize.IsDisabled's
	// environment-variable check but settable from the profile too.
	NoColor bool `yaml:"no_color"`
}

// Default returns the profile used when no config file is found.
func Default() Profile {
	return Profile{
		IgnoreVtableMismatch: false,
		Theme:                "disasm-dark",
		MaxStackFrames:       32,
		NoColor:              false,
	}
}

// Load reads and parses a profile from path. A missing file is not an
// error: the caller gets Default() back, since most operators never
// write a config file at all.
func Load(path string) (Profile, error) {
	p := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return p, nil
}

// DefaultPath returns ~/.vtmon.yaml, the profile location vtmon checks
// when --config isn't given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vtmon.yaml"
	}
	return filepath.Join(home, ".vtmon.yaml")
}
