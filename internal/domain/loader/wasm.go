package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opreg/opreg/internal/domain/unit"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// wasmExecutable holds a compiled module. Every instance is a fresh anonymous
// module, so invocations never share linear memory.
//
// Once retired, the compiled module is closed as soon as no instance uses it.
// A late Instantiate on a closed executable compiles a private copy that
// lives as long as that instance.
type wasmExecutable struct {
	capabilitySet
	name     string
	symbol   string
	digest   string
	source   []byte
	runtime  wazero.Runtime
	loadedAt time.Time

	mu       sync.Mutex
	compiled wazero.CompiledModule
	active   int
	retired  bool
	closed   bool
}

func compileWASM(ctx context.Context, rt wazero.Runtime, u unit.Unit, digest string) (*wasmExecutable, error) {
	compiled, err := rt.CompileModule(ctx, u.Source)
	if err != nil {
		return nil, &LoadError{Name: u.Name, Reason: ReasonImport, Err: err}
	}

	symbol := unit.SymbolName(u.Name)
	prefix := symbol + "."
	var caps []string
	for export := range compiled.ExportedFunctions() {
		if capability, ok := strings.CutPrefix(export, prefix); ok && capability != "" {
			caps = append(caps, capability)
		}
	}
	sort.Strings(caps)

	if len(caps) == 0 {
		compiled.Close(ctx)
		return nil, &LoadError{Name: u.Name, Reason: ReasonSymbolNotFound, Err: fmt.Errorf("no functions exported as %s<capability>", prefix)}
	}

	exe := &wasmExecutable{
		capabilitySet: newCapabilitySet(caps),
		name:          u.Name,
		symbol:        symbol,
		digest:        digest,
		source:        u.Source,
		runtime:       rt,
		compiled:      compiled,
		loadedAt:      time.Now(),
	}

	// Instantiating once runs the module's start section and checks imports.
	mod, err := exe.instantiate(ctx, compiled)
	if err != nil {
		compiled.Close(ctx)
		return nil, &LoadError{Name: u.Name, Reason: ReasonImport, Err: err}
	}
	mod.Close(ctx)

	return exe, nil
}

func (e *wasmExecutable) Name() string        { return e.name }
func (e *wasmExecutable) Kind() unit.Kind     { return unit.KindWASM }
func (e *wasmExecutable) Symbol() string      { return e.symbol }
func (e *wasmExecutable) Digest() string      { return e.digest }
func (e *wasmExecutable) LoadedAt() time.Time { return e.loadedAt }

func (e *wasmExecutable) instantiate(ctx context.Context, compiled wazero.CompiledModule) (api.Module, error) {
	config := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	return e.runtime.InstantiateModule(ctx, compiled, config)
}

// acquire returns a compiled module for one instance and the func that
// releases it.
func (e *wasmExecutable) acquire(ctx context.Context) (wazero.CompiledModule, func(context.Context), error) {
	e.mu.Lock()
	if !e.closed {
		e.active++
		compiled := e.compiled
		e.mu.Unlock()
		return compiled, e.release, nil
	}
	e.mu.Unlock()

	compiled, err := e.runtime.CompileModule(ctx, e.source)
	if err != nil {
		return nil, nil, err
	}
	return compiled, func(ctx context.Context) { compiled.Close(ctx) }, nil
}

func (e *wasmExecutable) release(ctx context.Context) {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	e.closeIfIdle(ctx)
}

// retire marks the executable as superseded.
func (e *wasmExecutable) retire(ctx context.Context) {
	e.mu.Lock()
	e.retired = true
	e.mu.Unlock()
	e.closeIfIdle(ctx)
}

func (e *wasmExecutable) closeIfIdle(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.retired || e.closed || e.active > 0 {
		return
	}
	e.closed = true
	e.compiled.Close(ctx)
}

func (e *wasmExecutable) Instantiate(ctx context.Context, args []any) (Instance, error) {
	values := make([]float64, len(args))
	for i, arg := range args {
		v, ok := toFloat(arg)
		if !ok {
			return nil, fmt.Errorf("%w: argument %d of %s is %T, want a number", ErrArgumentMismatch, i, e.symbol, arg)
		}
		values[i] = v
	}

	compiled, release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	mod, err := e.instantiate(ctx, compiled)
	if err != nil {
		release(context.WithoutCancel(ctx))
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	return &wasmInstance{mod: mod, symbol: e.symbol, args: values, release: release}, nil
}

type wasmInstance struct {
	mod     api.Module
	symbol  string
	args    []float64
	release func(context.Context)
}

func (i *wasmInstance) Supports(capability string) bool {
	return i.mod.ExportedFunction(i.symbol+"."+capability) != nil
}

func (i *wasmInstance) Call(ctx context.Context, capability string) (any, error) {
	fn := i.mod.ExportedFunction(i.symbol + "." + capability)
	if fn == nil {
		return nil, fmt.Errorf("%s.%s is not exported", i.symbol, capability)
	}

	def := fn.Definition()
	params := def.ParamTypes()
	if len(params) != len(i.args) {
		return nil, fmt.Errorf("%w: %s.%s expects %d arguments, got %d", ErrArgumentMismatch, i.symbol, capability, len(params), len(i.args))
	}

	stack := make([]uint64, len(params))
	for idx, t := range params {
		encoded, err := encodeValue(t, i.args[idx])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrArgumentMismatch, idx, err)
		}
		stack[idx] = encoded
	}

	results, err := fn.Call(ctx, stack...)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	resultTypes := def.ResultTypes()
	if len(resultTypes) == 0 || len(results) == 0 {
		return nil, nil
	}
	return decodeValue(resultTypes[0], results[0]), nil
}

func (i *wasmInstance) Close(ctx context.Context) error {
	err := i.mod.Close(ctx)
	if i.release != nil {
		i.release(ctx)
		i.release = nil
	}
	return err
}

func encodeValue(t api.ValueType, v float64) (uint64, error) {
	switch t {
	case api.ValueTypeF64:
		return api.EncodeF64(v), nil
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v)), nil
	case api.ValueTypeI32, api.ValueTypeI64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		if t == api.ValueTypeI32 {
			if v < math.MinInt32 || v > math.MaxInt32 {
				return 0, fmt.Errorf("%v overflows i32", v)
			}
			return api.EncodeI32(int32(v)), nil
		}
		return api.EncodeI64(int64(v)), nil
	}
	return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(t))
}

func decodeValue(t api.ValueType, raw uint64) any {
	switch t {
	case api.ValueTypeF64:
		return api.DecodeF64(raw)
	case api.ValueTypeF32:
		return float64(api.DecodeF32(raw))
	case api.ValueTypeI32:
		return int64(api.DecodeI32(raw))
	case api.ValueTypeI64:
		return int64(raw)
	}
	return raw
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
