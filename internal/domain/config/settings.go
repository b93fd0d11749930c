// Package config holds the daemon settings and their on-disk store.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Settings represents global daemon configuration.
type Settings struct {
	// ListenAddr is the address the HTTP server binds.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listen_addr"`

	// UnitsDir holds persisted units. Relative paths resolve against the app dir.
	UnitsDir string `yaml:"units_dir" toml:"units_dir" json:"units_dir"`

	// Capabilities is the ordered probe list; the first one a unit supports wins.
	Capabilities []string `yaml:"capabilities" toml:"capabilities" json:"capabilities"`

	// Timeouts in milliseconds. Zero selects the default; a negative value
	// removes the bound.
	InvokeTimeoutMS int `yaml:"invoke_timeout_ms" toml:"invoke_timeout_ms" json:"invoke_timeout_ms"`
	LoadTimeoutMS   int `yaml:"load_timeout_ms" toml:"load_timeout_ms" json:"load_timeout_ms"`

	LoadWorkers int `yaml:"load_workers" toml:"load_workers" json:"load_workers"`

	LogLevel  string `yaml:"log_level" toml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format" json:"log_format"`
}

// DefaultSettings returns the standard configuration.
func DefaultSettings() Settings {
	return Settings{
		ListenAddr:      "localhost:5000",
		UnitsDir:        "tools",
		Capabilities:    []string{"perform_multiplication", "perform_division"},
		InvokeTimeoutMS: 5000,
		LoadTimeoutMS:   10000,
		LoadWorkers:     4,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// InvokeTimeout returns InvokeTimeoutMS as a duration; zero means unbounded.
func (s Settings) InvokeTimeout() time.Duration {
	return millis(s.InvokeTimeoutMS)
}

// LoadTimeout returns LoadTimeoutMS as a duration; zero means unbounded.
func (s Settings) LoadTimeout() time.Duration {
	return millis(s.LoadTimeoutMS)
}

func millis(ms int) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ListenAddr == "" {
		s.ListenAddr = d.ListenAddr
	}
	if s.UnitsDir == "" {
		s.UnitsDir = d.UnitsDir
	}
	if len(s.Capabilities) == 0 {
		s.Capabilities = d.Capabilities
	}
	if s.InvokeTimeoutMS == 0 {
		s.InvokeTimeoutMS = d.InvokeTimeoutMS
	}
	if s.LoadTimeoutMS == 0 {
		s.LoadTimeoutMS = d.LoadTimeoutMS
	}
	if s.LoadWorkers == 0 {
		s.LoadWorkers = d.LoadWorkers
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = d.LogFormat
	}
	return s
}

// Validate checks the settings for values the daemon cannot run with.
func (s Settings) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(s.Capabilities))
	for _, c := range s.Capabilities {
		if c == "" {
			errs = append(errs, errors.New("capabilities: empty capability name"))
			continue
		}
		if seen[c] {
			errs = append(errs, fmt.Errorf("capabilities: %q listed twice", c))
		}
		seen[c] = true
	}
	if s.LoadWorkers < 0 {
		errs = append(errs, errors.New("load_workers must not be negative"))
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", s.LogLevel))
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q", s.LogFormat))
	}
	return errors.Join(errs...)
}
