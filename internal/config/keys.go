package config

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidKey   = errors.New("invalid config key")
	ErrNotFound     = errors.New("config key not set")
	ErrBlockedKey   = errors.New("config key is blocked for remote modification")
	ErrTypeMismatch = errors.New("type mismatch")
)

// Class partitions config keys for remote modification.
type Class int

const (
	Blocked Class = iota
	Safe
)

func (c Class) String() string {
	if c == Safe {
		return "safe"
	}
	return "blocked"
}

// DefaultSafeKeys is the allow-list of remotely modifiable key patterns.
// A "*" segment matches exactly one segment, except as the final segment
// where it matches one or more.
var DefaultSafeKeys = []string{
	"llm.providers.*",
	"llm.provider_priority",
	"llm.routing.*",
	"llm.budget.*",
	"browser.enabled",
	"gateway.session_timeout",
}

// alwaysBlocked patterns can never become Safe, whatever the allow-list says.
var alwaysBlocked = []string{
	"channels",
	"channels.*",
	"shell",
	"shell.*",
	"recovery",
	"recovery.*",
	"gateway.data_dir",
	"gateway.restart_strategy",
}

// MatchKey reports whether a dot path matches a glob pattern.
func MatchKey(pattern, key string) bool {
	ps := strings.Split(pattern, ".")
	ks := strings.Split(key, ".")
	for i, p := range ps {
		if i >= len(ks) {
			return false
		}
		if p == "*" && i == len(ps)-1 {
			return true
		}
		if ok, err := path.Match(p, ks[i]); err != nil || !ok {
			return false
		}
	}
	return len(ps) == len(ks)
}

// Classify returns Safe only when key matches the allow-list and none of the
// always-blocked patterns. Everything else is Blocked.
func Classify(key string, safe []string) Class {
	for _, p := range alwaysBlocked {
		if MatchKey(p, key) {
			return Blocked
		}
	}
	for _, p := range safe {
		if MatchKey(p, key) {
			return Safe
		}
	}
	return Blocked
}

var configType = reflect.TypeOf(Config{})

// Resolve validates a dot path against the schema and returns the Go type
// stored at that path.
func Resolve(key string) (reflect.Type, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	t := configType
	for _, seg := range strings.Split(key, ".") {
		if seg == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidKey, key)
		}
		switch t.Kind() {
		case reflect.Struct:
			f, ok := fieldByTag(t, seg)
			if !ok {
				return nil, fmt.Errorf("%w: %q (no field %q)", ErrInvalidKey, key, seg)
			}
			t = f.Type
		case reflect.Map:
			t = t.Elem()
		default:
			return nil, fmt.Errorf("%w: %q (cannot descend into %s)", ErrInvalidKey, key, t.Kind())
		}
	}
	return t, nil
}

func fieldByTag(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if tag == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

// TypeMismatchError describes a rejected value.
type TypeMismatchError struct {
	Key  string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch for %s: expected %s, got %s", e.Key, e.Want, e.Got)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// ParseValue converts the raw text of a set command into a document value of
// type t. Strings are taken literally; other scalars and composites are parsed
// as YAML and must already have the right shape. Nothing is coerced.
func ParseValue(key string, t reflect.Type, raw string) (any, error) {
	if t.Kind() == reflect.String {
		return unquote(raw), nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: cannot parse value for %s: %v", ErrTypeMismatch, key, err)
	}
	if err := checkShape(key, t, v); err != nil {
		return nil, err
	}
	return v, nil
}

func unquote(raw string) string {
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			if s, err := strconv.Unquote(`"` + raw[1:len(raw)-1] + `"`); err == nil {
				return s
			}
			return raw[1 : len(raw)-1]
		}
	}
	return raw
}

// checkShape verifies that a generic document value matches schema type t.
func checkShape(key string, t reflect.Type, v any) error {
	mismatch := func() error {
		return &TypeMismatchError{Key: key, Want: kindName(t), Got: valueKind(v)}
	}
	switch t.Kind() {
	case reflect.String:
		if _, ok := v.(string); !ok {
			return mismatch()
		}
	case reflect.Bool:
		if _, ok := v.(bool); !ok {
			return mismatch()
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v.(type) {
		case int, int64, uint64:
		default:
			return mismatch()
		}
	case reflect.Float32, reflect.Float64:
		switch v.(type) {
		case int, int64, uint64, float64:
		default:
			return mismatch()
		}
	case reflect.Slice:
		items, ok := v.([]any)
		if !ok {
			return mismatch()
		}
		for i, item := range items {
			if err := checkShape(fmt.Sprintf("%s[%d]", key, i), t.Elem(), item); err != nil {
				return err
			}
		}
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch()
		}
		for k, item := range m {
			if err := checkShape(key+"."+k, t.Elem(), item); err != nil {
				return err
			}
		}
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch()
		}
		for k, item := range m {
			f, ok := fieldByTag(t, k)
			if !ok {
				return fmt.Errorf("%w: %s.%s", ErrInvalidKey, key, k)
			}
			if err := checkShape(key+"."+k, f.Type, item); err != nil {
				return err
			}
		}
	default:
		return mismatch()
	}
	return nil
}

func kindName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Slice:
		return "list"
	case reflect.Map, reflect.Struct:
		return "map"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	default:
		return t.Kind().String()
	}
}

func valueKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int64, uint64:
		return "integer"
	case float64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}

var secretSuffixes = []string{"api_key", "token", "password"}

// IsSecretKey reports whether values at key should be masked for display.
func IsSecretKey(key string) bool {
	last := key
	if i := strings.LastIndex(key, "."); i >= 0 {
		last = key[i+1:]
	}
	for _, s := range secretSuffixes {
		if strings.HasSuffix(last, s) {
			return true
		}
	}
	return strings.HasPrefix(key, "channels.websocket.users")
}

// Mask replaces secret values under key (including nested ones) with "****".
func Mask(key string, v any) any {
	if IsSecretKey(key) {
		if s, ok := v.(string); ok && s == "" {
			return s
		}
		return "****"
	}
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		out[k] = Mask(key+"."+k, item)
	}
	return out
}
