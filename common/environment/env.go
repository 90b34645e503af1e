// Package environment reads Hearth configuration from environment variables.
//
// Every lookup goes through a Source bound to a name prefix (e.g. "HEARTH_"),
// so call-sites name the setting ("DB_PATH") rather than the full variable.
// Required variables return an error instead of exiting; main decides how to
// report it.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source resolves settings against variables that share a common prefix.
type Source struct {
	prefix string
	lookup func(string) (string, bool)
}

// New returns a Source reading from the process environment.
func New(prefix string) *Source {
	return &Source{prefix: prefix, lookup: os.LookupEnv}
}

// FromMap returns a Source backed by a fixed map. Keys are full variable
// names including the prefix.
func FromMap(prefix string, vars map[string]string) *Source {
	return &Source{prefix: prefix, lookup: func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}}
}

// Name returns the full variable name for key.
func (s *Source) Name(key string) string {
	return s.prefix + key
}

// value returns the trimmed value of key, or "" when unset.
func (s *Source) value(key string) string {
	v, _ := s.lookup(s.Name(key))
	return strings.TrimSpace(v)
}

// String returns the raw value of key and whether it was set at all.
func (s *Source) String(key string) (string, bool) {
	return s.lookup(s.Name(key))
}

// StringOr returns the value of key, or def when unset or blank.
func (s *Source) StringOr(key, def string) string {
	if v := s.value(key); v != "" {
		return v
	}
	return def
}

// Required returns the value of key or an error naming the full variable.
func (s *Source) Required(key string) (string, error) {
	v := s.value(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", s.Name(key))
	}
	return v, nil
}

// BoolOr parses key with strconv.ParseBool. Unset or unparsable values
// yield def.
func (s *Source) BoolOr(key string, def bool) bool {
	v := s.value(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// IntOr parses key as a decimal integer, falling back to def.
func (s *Source) IntOr(key string, def int) int {
	v := s.value(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DurationOr parses key with time.ParseDuration ("30s", "5m"). A bare
// integer is read as seconds. Anything else yields def.
func (s *Source) DurationOr(key string, def time.Duration) time.Duration {
	v := s.value(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// StringSliceOr splits key on commas, dropping blank elements. An unset or
// all-blank value yields def.
func (s *Source) StringSliceOr(key string, def []string) []string {
	v := s.value(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
