package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/lifeline/internal/bus"
	"github.com/roelfdiedericks/lifeline/internal/logging"
)

// Store owns the in-memory configuration document. Set only changes memory;
// Save persists it and Reload replaces it with the on-disk document.
type Store struct {
	mu   sync.RWMutex
	path string
	k    *koanf.Koanf
	cfg  *Config
	bus  *bus.Bus

	// Backups is the number of rotated .bak files kept on Save.
	Backups int
}

// Change is one entry of a memory-vs-disk diff.
type Change struct {
	Key    string
	Memory any // nil when the key only exists on disk
	Disk   any // nil when the key only exists in memory
}

// Open loads defaults plus the document at path. A missing file is not an
// error; the defaults apply until the first Save.
func Open(path string, b *bus.Bus) (*Store, error) {
	k, cfg, err := loadDocument(path)
	if err != nil {
		return nil, err
	}
	logging.L_info("config: loaded", "path", path, "providers", len(cfg.LLM.Providers))
	return &Store{path: path, k: k, cfg: cfg, bus: b, Backups: DefaultBackupCount}, nil
}

// bytesProvider feeds an in-memory YAML document to koanf.
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) { return b, nil }

func (b bytesProvider) Read() (map[string]any, error) {
	return nil, errors.New("bytesProvider does not support Read")
}

func defaultsDocument() ([]byte, error) {
	return yaml.Marshal(Defaults())
}

func loadDocument(path string) (*koanf.Koanf, *Config, error) {
	k := koanf.New(".")

	defaults, err := defaultsDocument()
	if err != nil {
		return nil, nil, fmt.Errorf("config: marshal defaults: %w", err)
	}
	if err := k.Load(bytesProvider(defaults), koanfyaml.Parser()); err != nil {
		return nil, nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	cfg, err := decode(k)
	if err != nil {
		return nil, nil, err
	}
	return k, cfg, nil
}

func decode(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.expandSecrets()
	return &cfg, nil
}

// Path returns the on-disk document location.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns the current typed configuration. Callers must treat it
// as read-only; every mutation produces a new snapshot.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Classify returns the key's class under the current allow-list.
func (s *Store) Classify(key string) Class {
	s.mu.RLock()
	safe := s.cfg.Recovery.SafeConfigKeys
	s.mu.RUnlock()
	if len(safe) == 0 {
		safe = DefaultSafeKeys
	}
	return Classify(key, safe)
}

// Get returns the value at key. Unknown schema paths return ErrInvalidKey;
// valid paths with no value return ErrNotFound.
func (s *Store) Get(key string) (any, error) {
	if _, err := Resolve(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.k.Get(key)
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Check validates a prospective set without applying it: the key must
// resolve, be Safe, and the value must match the key's type.
func (s *Store) Check(key, raw string) (any, error) {
	t, err := Resolve(key)
	if err != nil {
		return nil, err
	}
	if s.Classify(key) == Blocked {
		return nil, fmt.Errorf("%w: %s", ErrBlockedKey, key)
	}
	return ParseValue(key, t, raw)
}

// Set parses raw and applies it to the in-memory document. It returns the
// previous value (nil if unset).
func (s *Store) Set(key, raw string) (any, error) {
	v, err := s.Check(key, raw)
	if err != nil {
		return nil, err
	}
	return s.apply(key, v)
}

// SetValue applies an already-typed value, subject to the same checks as Set.
func (s *Store) SetValue(key string, v any) (any, error) {
	t, err := Resolve(key)
	if err != nil {
		return nil, err
	}
	if s.Classify(key) == Blocked {
		return nil, fmt.Errorf("%w: %s", ErrBlockedKey, key)
	}
	v = normalize(v)
	if err := checkShape(key, t, v); err != nil {
		return nil, err
	}
	return s.apply(key, v)
}

// normalize converts typed Go slices to the generic form koanf documents hold.
func normalize(v any) any {
	switch x := v.(type) {
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func (s *Store) apply(key string, v any) (any, error) {
	s.mu.Lock()

	next := s.k.Copy()
	old := next.Get(key)
	if _, isMap := v.(map[string]any); isMap {
		// replace rather than merge composite values
		next.Delete(key)
	}
	if err := next.Set(key, v); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("config: set %s: %w", key, err)
	}
	cfg, err := decode(next)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.k = next
	s.cfg = cfg
	s.mu.Unlock()

	logging.L_info("config: set", "key", key)
	s.bus.Publish(bus.TopicConfigChanged, "config", []string{key})
	return old, nil
}

// Diff compares the in-memory document against the on-disk document
// (layered over defaults). Entries are sorted by key.
func (s *Store) Diff() ([]Change, error) {
	disk, _, err := loadDocument(s.path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	mem := s.k.All()
	s.mu.RUnlock()
	return diffFlat(mem, disk.All()), nil
}

func diffFlat(mem, disk map[string]any) []Change {
	var changes []Change
	for key, mv := range mem {
		dv, ok := disk[key]
		if !ok && isEmptyMap(mv) {
			continue
		}
		if !ok || !reflect.DeepEqual(mv, dv) {
			changes = append(changes, Change{Key: key, Memory: mv, Disk: dv})
		}
	}
	for key, dv := range disk {
		if _, ok := mem[key]; !ok && !isEmptyMap(dv) {
			changes = append(changes, Change{Key: key, Disk: dv})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

// isEmptyMap matches placeholders such as "providers: {}" that flatten to a
// key of their own only while the map is empty.
func isEmptyMap(v any) bool {
	m, ok := v.(map[string]any)
	return ok && len(m) == 0
}

// Save writes the in-memory document to disk atomically, keeping backups.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := s.k.Marshal(koanfyaml.Parser())
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := BackupAndWrite(s.path, data, s.Backups); err != nil {
		return err
	}
	logging.L_info("config: saved", "path", s.path)
	s.bus.Publish(bus.TopicConfigSaved, "config", s.path)
	return nil
}

// Reload replaces the in-memory document with the on-disk one and returns
// the keys that changed. A malformed file leaves memory untouched.
func (s *Store) Reload() ([]string, error) {
	k, cfg, err := loadDocument(s.path)
	if err != nil {
		logging.L_warn("config: reload rejected", "error", err)
		return nil, err
	}

	s.mu.Lock()
	changes := diffFlat(s.k.All(), k.All())
	s.k = k
	s.cfg = cfg
	s.mu.Unlock()

	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = c.Key
	}
	logging.L_info("config: reloaded", "path", s.path, "changed", len(keys))
	if len(keys) > 0 {
		s.bus.Publish(bus.TopicConfigReloaded, "config", keys)
	}
	return keys, nil
}
