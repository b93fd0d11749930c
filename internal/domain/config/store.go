package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Store handles persistence of settings to a YAML or TOML file, chosen by
// the file extension.
type Store struct {
	path string
}

// NewStore creates a new settings store.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// FindStore returns a store for the first settings file present in dir,
// preferring settings.yaml, then settings.yml, then settings.toml. When none
// exists the YAML location is used.
func FindStore(dir string) *Store {
	for _, name := range []string{"settings.yaml", "settings.yml", "settings.toml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return NewStore(path)
		}
	}
	return NewStore(filepath.Join(dir, "settings.yaml"))
}

func (s *Store) isTOML() bool {
	return strings.EqualFold(filepath.Ext(s.path), ".toml")
}

// Load reads settings from the file. A missing file yields DefaultSettings.
func (s *Store) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return Settings{}, err
	}

	var settings Settings
	if s.isTOML() {
		err = toml.Unmarshal(data, &settings)
	} else {
		err = yaml.Unmarshal(data, &settings)
	}
	if err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", s.path, err)
	}

	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings in %s: %w", s.path, err)
	}
	return settings, nil
}

// Save writes settings to the file.
func (s *Store) Save(settings Settings) error {
	var (
		data []byte
		err  error
	)
	if s.isTOML() {
		data, err = toml.Marshal(settings)
	} else {
		data, err = yaml.Marshal(settings)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
