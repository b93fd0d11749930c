// Package loader turns persisted units into executable operations.
//
// JavaScript units run in the goja interpreter and must define a constructor
// named after the unit (see unit.SymbolName). WebAssembly units run in wazero
// and expose one function per capability, exported as "{Symbol}.{capability}".
//
// Loading executes a unit's top-level code in-process. Nothing here isolates
// submitted code beyond giving every invocation its own interpreter or module
// instance and bounding it with the caller's context.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opreg/opreg/internal/domain/unit"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Load failure reasons.
const (
	ReasonImport         = "import"
	ReasonSymbolNotFound = "symbol-not-found"
)

// DefaultLoadTimeout bounds the top-level code a JS unit runs while loading.
const DefaultLoadTimeout = 10 * time.Second

// ErrLoadTimeout is wrapped by the LoadError of a unit whose top-level code
// did not finish within the load timeout.
var ErrLoadTimeout = errors.New("top-level code timed out")

// ErrArgumentMismatch is returned when construction arguments cannot be bound
// to a unit's constructor or entry point.
var ErrArgumentMismatch = errors.New("argument mismatch")

// LoadError reports a unit that could not be turned into an Executable.
type LoadError struct {
	Name   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.Name, e.Reason, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Executable is the callable form of a loaded unit.
type Executable interface {
	Name() string
	Kind() unit.Kind
	Symbol() string
	// Capabilities lists the action names the unit declares.
	Capabilities() []string
	Supports(capability string) bool
	Digest() string
	LoadedAt() time.Time
	// Instantiate binds args positionally to the unit's constructor.
	Instantiate(ctx context.Context, args []any) (Instance, error)
}

// Instance is a constructed unit ready to run actions.
type Instance interface {
	// Supports reports whether the constructed object itself exposes
	// capability, including actions its constructor attached at run time.
	Supports(capability string) bool
	Call(ctx context.Context, capability string) (any, error)
	Close(ctx context.Context) error
}

// Loader compiles units and caches the most recent executable per name.
type Loader struct {
	mu      sync.Mutex
	loaded  map[string]Executable
	retired []Executable
	// stuck remembers units whose top-level code timed out, by name, so an
	// unchanged source is not run again on every rebuild.
	stuck map[string]stuckUnit

	loadTimeout time.Duration
	wasm        wazero.Runtime
	logger      *slog.Logger
}

type stuckUnit struct {
	digest string
	err    error
}

// Option configures a Loader.
type Option func(*Loader)

// WithLoadTimeout bounds JS top-level code at load. Zero or less disables
// the bound.
func WithLoadTimeout(d time.Duration) Option {
	return func(l *Loader) { l.loadTimeout = d }
}

// New creates a Loader. The context scopes the shared WASM runtime.
func New(ctx context.Context, logger *slog.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	l := &Loader{
		loaded:      make(map[string]Executable),
		stuck:       make(map[string]stuckUnit),
		loadTimeout: DefaultLoadTimeout,
		wasm:        rt,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the cached executable for u when its source is unchanged,
// compiling it otherwise.
func (l *Loader) Load(ctx context.Context, u unit.Unit) (Executable, error) {
	digest := u.Digest()

	l.mu.Lock()
	cached, ok := l.loaded[u.Name]
	stuck, isStuck := l.stuck[u.Name]
	l.mu.Unlock()
	if ok && cached.Digest() == digest {
		return cached, nil
	}
	if isStuck && stuck.digest == digest {
		return nil, stuck.err
	}

	exe, err := l.compile(ctx, u, digest)
	if err != nil {
		if errors.Is(err, ErrLoadTimeout) {
			l.mu.Lock()
			l.stuck[u.Name] = stuckUnit{digest: digest, err: err}
			l.mu.Unlock()
		}
		return nil, err
	}

	l.mu.Lock()
	delete(l.stuck, u.Name)
	if prev, ok := l.loaded[u.Name]; ok {
		l.retired = append(l.retired, prev)
	}
	l.loaded[u.Name] = exe
	l.mu.Unlock()
	return exe, nil
}

// Reload drops any cached executable for u.Name and compiles u again.
// After a failed reload nothing is cached for the name.
func (l *Loader) Reload(ctx context.Context, u unit.Unit) (Executable, error) {
	l.Invalidate(u.Name)
	return l.Load(ctx, u)
}

// Invalidate forgets the cached executable for name. Instances already
// created from it keep running to completion; its resources are released by
// the next Prune.
func (l *Loader) Invalidate(name string) {
	l.mu.Lock()
	if prev, ok := l.loaded[name]; ok {
		l.retired = append(l.retired, prev)
		delete(l.loaded, name)
	}
	l.mu.Unlock()
}

// Prune forgets every name not in keep and releases executables replaced or
// invalidated since the last Prune. Call it only once nothing can resolve
// those executables any more.
func (l *Loader) Prune(ctx context.Context, keep []string) {
	live := make(map[string]bool, len(keep))
	for _, name := range keep {
		live[name] = true
	}

	l.mu.Lock()
	retired := l.retired
	l.retired = nil
	for name, exe := range l.loaded {
		if !live[name] {
			retired = append(retired, exe)
			delete(l.loaded, name)
		}
	}
	for name := range l.stuck {
		if !live[name] {
			delete(l.stuck, name)
		}
	}
	l.mu.Unlock()

	for _, exe := range retired {
		if r, ok := exe.(interface{ retire(context.Context) }); ok {
			r.retire(ctx)
		}
	}
	if len(retired) > 0 {
		l.logger.Debug("Released retired executables", "count", len(retired))
	}
}

// Close releases the WASM runtime and every compiled module.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	l.loaded = make(map[string]Executable)
	l.retired = nil
	l.mu.Unlock()
	return l.wasm.Close(ctx)
}

func (l *Loader) compile(ctx context.Context, u unit.Unit, digest string) (Executable, error) {
	start := time.Now()

	var (
		exe Executable
		err error
	)
	switch u.Kind {
	case unit.KindJS:
		exe, err = compileJS(u, digest, l.loadTimeout, l.logger)
	case unit.KindWASM:
		exe, err = compileWASM(ctx, l.wasm, u, digest)
	default:
		err = &LoadError{Name: u.Name, Reason: ReasonImport, Err: fmt.Errorf("unsupported kind %q", u.Kind)}
	}
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Unit compiled",
		"name", u.Name,
		"kind", u.Kind,
		"symbol", exe.Symbol(),
		"capabilities", exe.Capabilities(),
		"duration", time.Since(start))
	return exe, nil
}

// capabilitySet is the declared-capability bookkeeping shared by executables.
type capabilitySet struct {
	names []string
	index map[string]struct{}
}

func newCapabilitySet(names []string) capabilitySet {
	cs := capabilitySet{index: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if _, dup := cs.index[n]; dup {
			continue
		}
		cs.index[n] = struct{}{}
		cs.names = append(cs.names, n)
	}
	return cs
}

func (c capabilitySet) Capabilities() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c capabilitySet) Supports(capability string) bool {
	_, ok := c.index[capability]
	return ok
}
