package dispatch_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opreg/opreg/internal/domain/dispatch"
	"github.com/opreg/opreg/internal/domain/loader"
	"github.com/opreg/opreg/internal/domain/registry"
	"github.com/opreg/opreg/internal/domain/unit"
	"github.com/opreg/opreg/internal/domain/unitstore"
	"github.com/opreg/opreg/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *unitstore.FileStore
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := unitstore.NewFileStore(filepath.Join(t.TempDir(), "tools"), nil)
	require.NoError(t, err)

	l := loader.New(ctx, nil)
	t.Cleanup(func() { l.Close(ctx) })

	reg := registry.New(store, l, 2, nil)
	return &fixture{
		store:      store,
		registry:   reg,
		dispatcher: dispatch.New(reg, nil, timeout, nil),
	}
}

func (f *fixture) register(t *testing.T, u unit.Unit) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, u))
	_, err := f.registry.Rebuild(ctx)
	require.NoError(t, err)
}

func (f *fixture) registerJS(t *testing.T, name, src string) {
	t.Helper()
	f.register(t, unit.Unit{Name: name, Kind: unit.KindJS, Source: []byte(src)})
}

func TestInvoke_ReturnsActionResult(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "calc", testutil.MultiplyJS("Calc"))

	res, err := f.dispatcher.Invoke(context.Background(), "calc", []any{3.0, 4.0})
	require.NoError(t, err)
	assert.EqualValues(t, 12, res.Value)
	assert.Equal(t, "perform_multiplication", res.Capability)
	assert.Equal(t, "calc", res.Operation)
	assert.NotEmpty(t, res.InvocationID)
}

func TestInvoke_FallsBackToDivision(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "div", testutil.DivideJS("Div"))

	res, err := f.dispatcher.Invoke(context.Background(), "div", []any{12, 4})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Value)
	assert.Equal(t, "perform_division", res.Capability)
}

func TestInvoke_PriorityOrderWins(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "both", testutil.BothJS("Both"))

	for i := 0; i < 10; i++ {
		res, err := f.dispatcher.Invoke(context.Background(), "both", []any{6, 7})
		require.NoError(t, err)
		assert.EqualValues(t, 42, res.Value)
	}
}

func TestInvoke_CustomPriority(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "both", testutil.BothJS("Both"))

	d := dispatch.New(f.registry, []string{"perform_division", "perform_multiplication"}, time.Second, nil)
	res, err := d.Invoke(context.Background(), "both", []any{12, 4})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Value)
}

func TestInvoke_UnknownOperation(t *testing.T) {
	f := newFixture(t, time.Second)

	_, err := f.dispatcher.Invoke(context.Background(), "unknown", nil)
	require.Error(t, err)
	assert.True(t, dispatch.IsKind(err, dispatch.KindInvalidOperation))
	assert.EqualError(t, err, "Invalid operation: unknown")
}

func TestInvoke_NoMatchingCapability(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "odd", `class Odd { constructor() {} perform_addition() { return 1; } }`)

	_, err := f.dispatcher.Invoke(context.Background(), "odd", nil)
	assert.True(t, dispatch.IsKind(err, dispatch.KindNoMatchingCapability))
	assert.EqualError(t, err, "Method not found for operation: odd")
}

func TestInvoke_InstantiationError(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "calc", testutil.MultiplyJS("Calc"))

	_, err := f.dispatcher.Invoke(context.Background(), "calc", []any{3})
	assert.True(t, dispatch.IsKind(err, dispatch.KindInstantiation), "got %v", err)
	assert.ErrorIs(t, err, loader.ErrArgumentMismatch)
}

func TestInvoke_ActionFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "boom", `class Boom { perform_multiplication() { throw new Error("kaboom"); } }`)

	_, err := f.dispatcher.Invoke(context.Background(), "boom", nil)
	assert.True(t, dispatch.IsKind(err, dispatch.KindInvocationFailed))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestInvoke_UnencodableResult(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "div", testutil.DivideJS("Div"))
	f.registerJS(t, "fn", `class Fn { perform_multiplication() { return function () {}; } }`)

	tests := []struct {
		name      string
		operation string
		args      []any
	}{
		{"infinity", "div", []any{1, 0}},
		{"nan", "div", []any{0, 0}},
		{"function", "fn", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.dispatcher.Invoke(context.Background(), tt.operation, tt.args)
			assert.Nil(t, res)
			assert.True(t, dispatch.IsKind(err, dispatch.KindInvocationFailed), "got %v", err)
		})
	}
}

func TestInvoke_ConstructorAssignedCapability(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registerJS(t, "inst", testutil.AssignedMultiplyJS("Inst"))

	res, err := f.dispatcher.Invoke(context.Background(), "inst", []any{6, 7})
	require.NoError(t, err)
	assert.Equal(t, "perform_multiplication", res.Capability)
	assert.EqualValues(t, 42, res.Value)
}

func TestInvoke_Timeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.registerJS(t, "spin", testutil.SpinJS("Spin"))

	start := time.Now()
	_, err := f.dispatcher.Invoke(context.Background(), "spin", nil)
	assert.True(t, dispatch.IsKind(err, dispatch.KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvoke_WASM(t *testing.T) {
	f := newFixture(t, time.Second)
	f.register(t, unit.Unit{
		Name: "calc",
		Kind: unit.KindWASM,
		Source: testutil.WASMBinary(
			testutil.WASMExport{Name: "Calc.perform_division", Op: testutil.OpDiv},
			testutil.WASMExport{Name: "Calc.perform_multiplication", Op: testutil.OpMul},
		),
	})

	res, err := f.dispatcher.Invoke(context.Background(), "calc", []any{6.0, 7.0})
	require.NoError(t, err)
	assert.EqualValues(t, 42, res.Value)

	_, err = f.dispatcher.Invoke(context.Background(), "calc", []any{6.0})
	assert.True(t, dispatch.IsKind(err, dispatch.KindInstantiation), "got %v", err)
}

func TestInvoke_ReregistrationIsNeverStale(t *testing.T) {
	f := newFixture(t, time.Second)

	for i := 0; i < 5; i++ {
		f.registerJS(t, "calc", testutil.OffsetMultiplyJS("Calc", i))
		res, err := f.dispatcher.Invoke(context.Background(), "calc", []any{3, 4})
		require.NoError(t, err)
		assert.EqualValues(t, 12+i, res.Value)
	}
}

func TestInvoke_ConcurrentRegistrationIsolation(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.registerJS(t, "stable", testutil.MultiplyJS("Stable"))

	ctx := context.Background()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			src := testutil.OffsetMultiplyJS("Churn", i)
			if !assert.NoError(t, f.store.Put(ctx, unit.Unit{Name: "churn", Kind: unit.KindJS, Source: []byte(src)})) {
				return
			}
			_, err := f.registry.Rebuild(ctx)
			assert.NoError(t, err)
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				res, err := f.dispatcher.Invoke(ctx, "stable", []any{w, i})
				if assert.NoError(t, err, fmt.Sprintf("worker %d call %d", w, i)) {
					assert.EqualValues(t, w*i, res.Value)
				}
			}
		}()
	}
	wg.Wait()
}
