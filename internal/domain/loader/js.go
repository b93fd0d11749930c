package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/opreg/opreg/internal/domain/unit"
)

// jsExecutable holds a compiled program. Every instance runs the program in
// its own runtime, so concurrent invocations share no interpreter state.
type jsExecutable struct {
	capabilitySet
	name     string
	symbol   string
	digest   string
	arity    int
	program  *goja.Program
	logger   *slog.Logger
	loadedAt time.Time
}

func compileJS(u unit.Unit, digest string, timeout time.Duration, logger *slog.Logger) (*jsExecutable, error) {
	symbol := unit.SymbolName(u.Name)

	program, err := goja.Compile(unit.FileName(u.Name, u.Kind), string(u.Source), false)
	if err != nil {
		return nil, &LoadError{Name: u.Name, Reason: ReasonImport, Err: err}
	}

	logger = logger.With("unit", u.Name)
	vm := newJSRuntime(logger)
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			vm.Interrupt(ErrLoadTimeout)
		})
		defer timer.Stop()
	}

	if _, err := vm.RunProgram(program); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && interrupted.Value() == ErrLoadTimeout {
			err = fmt.Errorf("%w after %s", ErrLoadTimeout, timeout)
		}
		return nil, &LoadError{Name: u.Name, Reason: ReasonImport, Err: err}
	}

	_, cls, err := lookupConstructor(vm, symbol)
	if err != nil {
		return nil, &LoadError{Name: u.Name, Reason: ReasonSymbolNotFound, Err: err}
	}

	return &jsExecutable{
		capabilitySet: newCapabilitySet(declaredCapabilities(vm, cls)),
		name:          u.Name,
		symbol:        symbol,
		digest:        digest,
		arity:         int(cls.Get("length").ToInteger()),
		program:       program,
		logger:        logger,
		loadedAt:      time.Now(),
	}, nil
}

// newJSRuntime builds a runtime exposing the host API available to units:
// a single log(...) function.
func newJSRuntime(logger *slog.Logger) *goja.Runtime {
	vm := goja.New()
	vm.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		logger.Info(strings.Join(parts, " "))
		return goja.Undefined()
	})
	return vm
}

func lookupConstructor(vm *goja.Runtime, symbol string) (goja.Constructor, *goja.Object, error) {
	v := vm.Get(symbol)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil, fmt.Errorf("%s is not defined", symbol)
	}
	ctor, ok := goja.AssertConstructor(v)
	if !ok {
		return nil, nil, fmt.Errorf("%s is not a constructor", symbol)
	}
	return ctor, v.ToObject(vm), nil
}

// declaredCapabilities collects the names of a static "capabilities" string
// array and of every method on the prototype chain below Object.prototype.
func declaredCapabilities(vm *goja.Runtime, cls *goja.Object) []string {
	var names []string

	if static := cls.Get("capabilities"); static != nil && !goja.IsUndefined(static) && !goja.IsNull(static) {
		var list []string
		if err := vm.ExportTo(static, &list); err == nil {
			names = append(names, list...)
		}
	}

	protoVal := cls.Get("prototype")
	if protoVal == nil || goja.IsUndefined(protoVal) || goja.IsNull(protoVal) {
		return names
	}
	objectProto := vm.Get("Object").ToObject(vm).Get("prototype")

	for p := protoVal.ToObject(vm); p != nil && !p.SameAs(objectProto); p = p.Prototype() {
		for _, key := range p.GetOwnPropertyNames() {
			if key == "constructor" {
				continue
			}
			if _, ok := goja.AssertFunction(p.Get(key)); ok {
				names = append(names, key)
			}
		}
	}
	return names
}

func (e *jsExecutable) Name() string        { return e.name }
func (e *jsExecutable) Kind() unit.Kind     { return unit.KindJS }
func (e *jsExecutable) Symbol() string      { return e.symbol }
func (e *jsExecutable) Digest() string      { return e.digest }
func (e *jsExecutable) LoadedAt() time.Time { return e.loadedAt }

func (e *jsExecutable) Instantiate(ctx context.Context, args []any) (Instance, error) {
	if len(args) < e.arity {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrArgumentMismatch, e.symbol, e.arity, len(args))
	}

	vm := newJSRuntime(e.logger)
	stop := interruptOn(ctx, vm)
	defer stop()

	if _, err := vm.RunProgram(e.program); err != nil {
		return nil, jsError(ctx, err)
	}
	ctor, _, err := lookupConstructor(vm, e.symbol)
	if err != nil {
		return nil, err
	}

	values := make([]goja.Value, len(args))
	for i, arg := range args {
		values[i] = vm.ToValue(arg)
	}
	obj, err := ctor(nil, values...)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrArgumentMismatch, e.symbol, err)
	}
	return &jsInstance{vm: vm, obj: obj, symbol: e.symbol}, nil
}

type jsInstance struct {
	vm     *goja.Runtime
	obj    *goja.Object
	symbol string
}

func (i *jsInstance) Supports(capability string) bool {
	if i.obj == nil {
		return false
	}
	_, ok := goja.AssertFunction(i.obj.Get(capability))
	return ok
}

func (i *jsInstance) Call(ctx context.Context, capability string) (any, error) {
	fn, ok := goja.AssertFunction(i.obj.Get(capability))
	if !ok {
		return nil, fmt.Errorf("%s.%s is not callable", i.symbol, capability)
	}

	stop := interruptOn(ctx, i.vm)
	defer stop()

	res, err := fn(i.obj)
	if err != nil {
		return nil, jsError(ctx, err)
	}
	if goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	return res.Export(), nil
}

func (i *jsInstance) Close(ctx context.Context) error {
	i.obj = nil
	return nil
}

// interruptOn stops vm when ctx ends. The returned func detaches it.
func interruptOn(ctx context.Context, vm *goja.Runtime) func() {
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	return func() {
		stop()
		vm.ClearInterrupt()
	}
}

func jsError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
