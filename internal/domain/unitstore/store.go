// Package unitstore persists operation units as one file per unit.
package unitstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/opreg/opreg/internal/domain/unit"
)

// ErrNotFound is returned when no unit is stored under a name.
var ErrNotFound = errors.New("unit not found")

// StorageError reports an I/O failure while persisting or enumerating units.
type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FileStore keeps units under dir using the {name}_package.{kind} convention.
// The directory listing is the only record of what is registered.
type FileStore struct {
	dir    string
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory units are stored in.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) lock(name string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[name] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Put writes u, replacing any previous unit with the same name regardless of
// kind. Writers to the same name are serialized and each write lands through
// an atomic rename, so readers never see a partial file.
func (s *FileStore) Put(ctx context.Context, u unit.Unit) error {
	if err := unit.ValidateName(u.Name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lock(u.Name)
	defer unlock()

	path := filepath.Join(s.dir, unit.FileName(u.Name, u.Kind))
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+u.Name+"-*")
	if err != nil {
		return &StorageError{Op: "put", Name: u.Name, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(u.Source); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &StorageError{Op: "put", Name: u.Name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "put", Name: u.Name, Err: err}
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "put", Name: u.Name, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "put", Name: u.Name, Err: err}
	}

	// A name maps to a single storage entry.
	for _, k := range unit.Kinds {
		if k == u.Kind {
			continue
		}
		other := filepath.Join(s.dir, unit.FileName(u.Name, k))
		if err := os.Remove(other); err != nil && !os.IsNotExist(err) {
			return &StorageError{Op: "put", Name: u.Name, Err: err}
		}
	}

	s.logger.Debug("Unit stored", "name", u.Name, "kind", u.Kind, "bytes", len(u.Source))
	return nil
}

// Get reads the unit stored under name.
func (s *FileStore) Get(ctx context.Context, name string) (unit.Unit, error) {
	if err := unit.ValidateName(name); err != nil {
		return unit.Unit{}, err
	}
	for _, k := range unit.Kinds {
		u, err := s.read(name, k)
		if err == nil {
			return u, nil
		}
		if !os.IsNotExist(err) {
			return unit.Unit{}, &StorageError{Op: "get", Name: name, Err: err}
		}
	}
	return unit.Unit{}, ErrNotFound
}

// Delete removes every file stored under name.
func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := unit.ValidateName(name); err != nil {
		return err
	}

	unlock := s.lock(name)
	defer unlock()

	removed := false
	for _, k := range unit.Kinds {
		err := os.Remove(filepath.Join(s.dir, unit.FileName(name, k)))
		if err == nil {
			removed = true
			continue
		}
		if !os.IsNotExist(err) {
			return &StorageError{Op: "delete", Name: name, Err: err}
		}
	}
	if !removed {
		return ErrNotFound
	}
	s.logger.Debug("Unit deleted", "name", name)
	return nil
}

// ListAll returns every unit that follows the naming convention. Unreadable
// files are skipped with a warning; order is unspecified.
func (s *FileStore) ListAll(ctx context.Context) ([]unit.Unit, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	seen := make(map[string]unit.Kind)
	units := make([]unit.Unit, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		name, kind, ok := unit.ParseFileName(entry.Name())
		if !ok {
			continue
		}
		if prev, dup := seen[name]; dup {
			s.logger.Warn("Skipping duplicate unit file", "name", name, "kind", kind, "kept", prev)
			continue
		}

		u, err := s.read(name, kind)
		if err != nil {
			s.logger.Warn("Skipping unreadable unit", "name", name, "file", entry.Name(), "error", err)
			continue
		}
		seen[name] = kind
		units = append(units, u)
	}
	return units, nil
}

func (s *FileStore) read(name string, kind unit.Kind) (unit.Unit, error) {
	path := filepath.Join(s.dir, unit.FileName(name, kind))
	info, err := os.Stat(path)
	if err != nil {
		return unit.Unit{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return unit.Unit{}, err
	}
	return unit.Unit{
		Name:    name,
		Kind:    kind,
		Source:  data,
		ModTime: info.ModTime(),
	}, nil
}
