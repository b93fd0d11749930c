// Package registry keeps the in-memory index from operation name to loaded
// executable. The index is an immutable snapshot replaced wholesale on every
// rebuild, so readers see either the old or the new index, never a mix.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opreg/opreg/internal/domain/loader"
	"github.com/opreg/opreg/internal/domain/unit"
	"golang.org/x/sync/errgroup"
)

// UnitSource enumerates persisted units.
type UnitSource interface {
	ListAll(ctx context.Context) ([]unit.Unit, error)
}

// UnitLoader compiles a unit, discarding any previous executable for its name.
// Prune releases executables no published snapshot refers to any more.
type UnitLoader interface {
	Reload(ctx context.Context, u unit.Unit) (loader.Executable, error)
	Prune(ctx context.Context, keep []string)
}

// Snapshot is a published, read-only view of the registry.
type Snapshot struct {
	entries map[string]loader.Executable
	BuiltAt time.Time
}

// Lookup returns the executable registered under name.
func (s *Snapshot) Lookup(name string) (loader.Executable, bool) {
	exe, ok := s.entries[name]
	return exe, ok
}

// Len returns the number of registered operations.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Names returns the registered names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entry describes one registered operation.
type Entry struct {
	Name         string    `json:"name"`
	Kind         unit.Kind `json:"kind"`
	Symbol       string    `json:"symbol"`
	Capabilities []string  `json:"capabilities"`
	Digest       string    `json:"digest"`
	LoadedAt     time.Time `json:"loaded_at"`
}

// NewEntry describes exe.
func NewEntry(exe loader.Executable) Entry {
	return Entry{
		Name:         exe.Name(),
		Kind:         exe.Kind(),
		Symbol:       exe.Symbol(),
		Capabilities: exe.Capabilities(),
		Digest:       exe.Digest(),
		LoadedAt:     exe.LoadedAt(),
	}
}

// Report summarizes a rebuild.
type Report struct {
	Loaded []string         `json:"loaded"`
	Failed map[string]error `json:"-"`
}

// FailureMessages returns Failed as printable strings.
func (r *Report) FailureMessages() map[string]string {
	out := make(map[string]string, len(r.Failed))
	for name, err := range r.Failed {
		out[name] = err.Error()
	}
	return out
}

// Registry maps operation names to loaded executables.
type Registry struct {
	source  UnitSource
	loader  UnitLoader
	workers int
	logger  *slog.Logger

	rebuildMu sync.Mutex
	current   atomic.Pointer[Snapshot]
}

// New returns an empty registry. workers bounds concurrent loads during a
// rebuild; values below one mean one.
func New(source UnitSource, l UnitLoader, workers int, logger *slog.Logger) *Registry {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		source:  source,
		loader:  l,
		workers: workers,
		logger:  logger,
	}
	r.current.Store(&Snapshot{entries: map[string]loader.Executable{}, BuiltAt: time.Now()})
	return r
}

// Rebuild reloads every persisted unit and publishes a new snapshot. Units
// that fail to load are logged and left out; a failed reload removes any
// earlier entry for that name. If the source cannot be listed the current
// snapshot stays published and the error is returned.
func (r *Registry) Rebuild(ctx context.Context) (*Report, error) {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	start := time.Now()
	units, err := r.source.ListAll(ctx)
	if err != nil {
		r.logger.Error("Registry rebuild aborted", "error", err)
		return nil, err
	}

	var (
		mu     sync.Mutex
		next   = make(map[string]loader.Executable, len(units))
		report = &Report{Failed: make(map[string]error)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, u := range units {
		g.Go(func() error {
			exe, err := r.loader.Reload(gctx, u)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("Failed to load operation", "name", u.Name, "kind", u.Kind, "error", err)
				report.Failed[u.Name] = err
				return nil
			}
			next[u.Name] = exe
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := &Snapshot{entries: next, BuiltAt: time.Now()}
	r.current.Store(snap)

	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name
	}
	r.loader.Prune(context.WithoutCancel(ctx), names)

	report.Loaded = snap.Names()
	r.logger.Info("Registry rebuilt",
		"loaded", len(report.Loaded),
		"failed", len(report.Failed),
		"duration", time.Since(start))
	return report, nil
}

// Resolve looks name up in the current snapshot.
func (r *Registry) Resolve(name string) (loader.Executable, bool) {
	return r.current.Load().Lookup(name)
}

// Snapshot returns the currently published snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// List describes every registered operation, sorted by name.
func (r *Registry) List() []Entry {
	snap := r.current.Load()
	names := snap.Names()
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		exe, _ := snap.Lookup(name)
		entries = append(entries, NewEntry(exe))
	}
	return entries
}
