// Package scripts runs recovery scripts from a closed, pre-registered manifest.
// Only names listed in the manifest can be executed; arbitrary shell text is
// never accepted.
package scripts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ManifestFile is the manifest name inside the scripts directory.
const ManifestFile = "manifest.toml"

// DefaultTimeout applies when a manifest entry sets no timeout.
const DefaultTimeout = 60 * time.Second

var (
	ErrUnknownScript   = errors.New("unknown script")
	ErrInvalidManifest = errors.New("invalid script manifest")
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Script is one manifest entry.
type Script struct {
	Name             string `toml:"name"`
	Description      string `toml:"description"`
	File             string `toml:"file"`
	RequiresApproval bool   `toml:"requires_approval"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`

	path string // absolute, resolved inside the scripts directory
}

// Timeout returns the execution limit.
func (s Script) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Path returns the resolved executable path.
func (s Script) Path() string {
	return s.path
}

type manifestDoc struct {
	Scripts []Script `toml:"script"`
}

// Manifest is the validated set of runnable scripts.
type Manifest struct {
	dir     string
	scripts map[string]Script
}

// LoadManifest reads <dir>/manifest.toml. A missing manifest yields an empty
// manifest, not an error.
func LoadManifest(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	m := &Manifest{dir: abs, scripts: make(map[string]Script)}

	data, err := os.ReadFile(filepath.Join(abs, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("scripts: read manifest: %w", err)
	}

	var doc manifestDoc
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	for _, s := range doc.Scripts {
		if err := m.add(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manifest) add(s Script) error {
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("%w: bad script name %q", ErrInvalidManifest, s.Name)
	}
	if _, dup := m.scripts[s.Name]; dup {
		return fmt.Errorf("%w: duplicate script %q", ErrInvalidManifest, s.Name)
	}
	if s.File == "" || filepath.IsAbs(s.File) {
		return fmt.Errorf("%w: script %q: file must be relative to the scripts directory", ErrInvalidManifest, s.Name)
	}
	p := filepath.Join(m.dir, filepath.Clean(s.File))
	if rel, err := filepath.Rel(m.dir, p); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: script %q escapes the scripts directory", ErrInvalidManifest, s.Name)
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: script %q: negative timeout", ErrInvalidManifest, s.Name)
	}
	s.path = p
	m.scripts[s.Name] = s
	return nil
}

// Dir returns the scripts directory.
func (m *Manifest) Dir() string {
	if m == nil {
		return ""
	}
	return m.dir
}

// Lookup returns a script by name.
func (m *Manifest) Lookup(name string) (Script, error) {
	var s Script
	ok := false
	if m != nil {
		s, ok = m.scripts[name]
	}
	if !ok {
		return Script{}, fmt.Errorf("%w: %q", ErrUnknownScript, name)
	}
	return s, nil
}

// List returns every script sorted by name.
func (m *Manifest) List() []Script {
	if m == nil {
		return nil
	}
	out := make([]Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
