// Package config loads blackbox configuration from a YAML file with
// environment overrides, in line with the rest of the module: an
// immutable struct constructed once at startup and passed by reference.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (BLACKBOX_*). Nested keys use double
// underscores: BLACKBOX_CAPTURE__SAMPLE_RATE -> capture.sample_rate.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// Overlay environment variables.
	if err := k.Load(env.Provider("BLACKBOX_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "BLACKBOX_"))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Compile(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Compile validates the configuration and compiles the ignore-path
// patterns. It must be called before the path predicates are used;
// Load and MustDefault do so.
func (c *Config) Compile() error {
	if c.Capture.SampleRate < 0 || c.Capture.SampleRate > 1 {
		return fmt.Errorf("capture.sample_rate must be in [0, 1], got %v", c.Capture.SampleRate)
	}
	if c.Activity.SampleRate < 0 || c.Activity.SampleRate > 1 {
		return fmt.Errorf("activity.sample_rate must be in [0, 1], got %v", c.Activity.SampleRate)
	}
	if c.Redaction.MaxBodyBytes <= 0 {
		return fmt.Errorf("redaction.max_body_bytes must be positive, got %d", c.Redaction.MaxBodyBytes)
	}
	if c.Capture.WindowSeconds <= 0 {
		return fmt.Errorf("capture.window_seconds must be positive, got %d", c.Capture.WindowSeconds)
	}
	if c.Capture.IncidentPrefix == "" {
		return fmt.Errorf("capture.incident_prefix is required")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be non-negative, got %d", c.RetentionDays)
	}
	for _, rule := range c.Capture.StatusCodes {
		if rule.From < 100 || rule.From > 599 {
			return fmt.Errorf("capture.status_codes: invalid code %d", rule.From)
		}
	}

	var err error
	if c.captureIgnore, err = compilePatterns(c.Capture.IgnorePaths); err != nil {
		return fmt.Errorf("capture.ignore_paths: %w", err)
	}
	if c.activityIgnore, err = compilePatterns(c.Activity.IgnorePaths); err != nil {
		return fmt.Errorf("activity.ignore_paths: %w", err)
	}
	return nil
}

// MustDefault returns a compiled default configuration. It is the
// fresh-construction helper tests use instead of mutating a shared
// global.
func MustDefault() *Config {
	cfg := DefaultConfig()
	if err := cfg.Compile(); err != nil {
		panic(err)
	}
	return cfg
}

// CaptureIgnoresPath reports whether incident capture skips this path.
func (c *Config) CaptureIgnoresPath(path string) bool {
	return matchesAny(c.captureIgnore, path)
}

// ActivityIgnoresPath reports whether activity logging skips this path.
func (c *Config) ActivityIgnoresPath(path string) bool {
	return matchesAny(c.activityIgnore, path)
}

// CapturesStatus reports whether the status code is in the configured
// capture set.
func (c *Config) CapturesStatus(code int) bool {
	for _, rule := range c.Capture.StatusCodes {
		if rule.Matches(code) {
			return true
		}
	}
	return false
}

// IgnoresErrorKind reports whether the error kind matches a configured
// ignore prefix.
func (c *Config) IgnoresErrorKind(kind string) bool {
	for _, prefix := range c.Capture.IgnoreErrors {
		if strings.HasPrefix(kind, prefix) {
			return true
		}
	}
	return false
}

// StoresBodyContentType reports whether the request body of this
// content type is persisted.
func (c *Config) StoresBodyContentType(ct string) bool {
	base := ct
	if i := strings.Index(ct, ";"); i >= 0 {
		base = strings.TrimSpace(ct[:i])
	}
	for _, allowed := range c.Redaction.BodyContentTypes {
		if strings.EqualFold(base, allowed) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
