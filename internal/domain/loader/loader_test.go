package loader_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opreg/opreg/internal/domain/loader"
	"github.com/opreg/opreg/internal/domain/unit"
	"github.com/opreg/opreg/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoader(t *testing.T) *loader.Loader {
	t.Helper()
	ctx := context.Background()
	l := loader.New(ctx, nil)
	t.Cleanup(func() { l.Close(ctx) })
	return l
}

func jsUnit(name, src string) unit.Unit {
	return unit.Unit{Name: name, Kind: unit.KindJS, Source: []byte(src)}
}

func invoke(t *testing.T, exe loader.Executable, capability string, args ...any) any {
	t.Helper()
	ctx := context.Background()
	inst, err := exe.Instantiate(ctx, args)
	require.NoError(t, err)
	defer inst.Close(ctx)

	res, err := inst.Call(ctx, capability)
	require.NoError(t, err)
	return res
}

func requireLoadError(t *testing.T, err error, reason string) {
	t.Helper()
	var lerr *loader.LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, reason, lerr.Reason)
}

func TestLoad_JS(t *testing.T) {
	l := newLoader(t)

	exe, err := l.Load(context.Background(), jsUnit("calc", testutil.MultiplyJS("Calc")))
	require.NoError(t, err)

	assert.Equal(t, "calc", exe.Name())
	assert.Equal(t, "Calc", exe.Symbol())
	assert.Equal(t, unit.KindJS, exe.Kind())
	assert.Equal(t, []string{"perform_multiplication"}, exe.Capabilities())
	assert.True(t, exe.Supports("perform_multiplication"))
	assert.False(t, exe.Supports("perform_division"))

	assert.EqualValues(t, 42, invoke(t, exe, "perform_multiplication", 6, 7))
}

func TestLoad_SymbolKeepsRestOfName(t *testing.T) {
	l := newLoader(t)

	exe, err := l.Load(context.Background(), jsUnit("myCalc", testutil.MultiplyJS("MyCalc")))
	require.NoError(t, err)
	assert.Equal(t, "MyCalc", exe.Symbol())

	_, err = l.Load(context.Background(), jsUnit("myCalc", testutil.MultiplyJS("Mycalc")))
	requireLoadError(t, err, loader.ReasonSymbolNotFound)
}

func TestLoad_JSFailures(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		reason string
	}{
		{"syntax error", "class Calc {", loader.ReasonImport},
		{"top-level throw", "throw new Error('boom');", loader.ReasonImport},
		{"missing symbol", testutil.MultiplyJS("Other"), loader.ReasonSymbolNotFound},
		{"symbol is not a constructor", "var Calc = 5;", loader.ReasonSymbolNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(t)
			_, err := l.Load(context.Background(), jsUnit("calc", tt.src))
			requireLoadError(t, err, tt.reason)
		})
	}
}

func TestLoad_DeclaredCapabilities(t *testing.T) {
	l := newLoader(t)

	src := `
class Base {
  perform_division() { return 1; }
}
class Calc extends Base {
  constructor() { super(); }
  perform_multiplication() { return 2; }
}
Calc.capabilities = ["perform_custom"];
`
	exe, err := l.Load(context.Background(), jsUnit("calc", src))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"perform_custom", "perform_multiplication", "perform_division"}, exe.Capabilities())
}

func TestInstance_SupportsAssignedMethods(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	exe, err := l.Load(ctx, jsUnit("inst", testutil.AssignedMultiplyJS("Inst")))
	require.NoError(t, err)
	assert.Empty(t, exe.Capabilities())
	assert.False(t, exe.Supports("perform_multiplication"))

	inst, err := exe.Instantiate(ctx, []any{6, 7})
	require.NoError(t, err)
	defer inst.Close(ctx)

	assert.True(t, inst.Supports("perform_multiplication"))
	assert.False(t, inst.Supports("perform_division"))

	res, err := inst.Call(ctx, "perform_multiplication")
	require.NoError(t, err)
	assert.EqualValues(t, 42, res)
}

func TestInstance_SupportsWASMExports(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	bin := testutil.WASMBinary(testutil.WASMExport{Name: "Calc.perform_division", Op: testutil.OpDiv})
	exe, err := l.Load(ctx, unit.Unit{Name: "calc", Kind: unit.KindWASM, Source: bin})
	require.NoError(t, err)

	inst, err := exe.Instantiate(ctx, []any{1, 2})
	require.NoError(t, err)
	defer inst.Close(ctx)

	assert.True(t, inst.Supports("perform_division"))
	assert.False(t, inst.Supports("perform_multiplication"))
}

func TestLoad_TopLevelTimeoutIsRemembered(t *testing.T) {
	ctx := context.Background()
	l := loader.New(ctx, nil, loader.WithLoadTimeout(200*time.Millisecond))
	t.Cleanup(func() { l.Close(ctx) })

	stuck := jsUnit("stuck", "while (true) {}\nclass Stuck {}")

	_, err := l.Reload(ctx, stuck)
	requireLoadError(t, err, loader.ReasonImport)
	assert.ErrorIs(t, err, loader.ErrLoadTimeout)

	start := time.Now()
	_, err = l.Reload(ctx, stuck)
	assert.ErrorIs(t, err, loader.ErrLoadTimeout)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	exe, err := l.Reload(ctx, jsUnit("stuck", testutil.MultiplyJS("Stuck")))
	require.NoError(t, err)
	assert.EqualValues(t, 6, invoke(t, exe, "perform_multiplication", 2, 3))
}

func TestLoad_CachesUntilReload(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	u := jsUnit("calc", testutil.MultiplyJS("Calc"))

	first, err := l.Load(ctx, u)
	require.NoError(t, err)

	again, err := l.Load(ctx, u)
	require.NoError(t, err)
	assert.Same(t, first, again)

	reloaded, err := l.Reload(ctx, u)
	require.NoError(t, err)
	assert.NotSame(t, first, reloaded)
	assert.Equal(t, first.Digest(), reloaded.Digest())
}

func TestReload_PicksUpNewSource(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	v1, err := l.Reload(ctx, jsUnit("calc", testutil.MultiplyJS("Calc")))
	require.NoError(t, err)
	assert.EqualValues(t, 12, invoke(t, v1, "perform_multiplication", 3, 4))

	v2, err := l.Reload(ctx, jsUnit("calc", testutil.OffsetMultiplyJS("Calc", 100)))
	require.NoError(t, err)
	assert.EqualValues(t, 112, invoke(t, v2, "perform_multiplication", 3, 4))
}

func TestReload_FailureInvalidates(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)
	good := jsUnit("calc", testutil.MultiplyJS("Calc"))

	first, err := l.Load(ctx, good)
	require.NoError(t, err)

	_, err = l.Reload(ctx, jsUnit("calc", "class Calc {"))
	requireLoadError(t, err, loader.ReasonImport)

	second, err := l.Load(ctx, good)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestInstantiate_ArgumentMismatch(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	exe, err := l.Load(ctx, jsUnit("calc", testutil.MultiplyJS("Calc")))
	require.NoError(t, err)

	_, err = exe.Instantiate(ctx, []any{1})
	assert.ErrorIs(t, err, loader.ErrArgumentMismatch)

	throwing := `class Strict {
  constructor(a) {
    if (typeof a !== "number") throw new TypeError("a must be a number");
    this.a = a;
  }
  perform_multiplication() { return this.a; }
}`
	exe, err = l.Load(ctx, jsUnit("strict", throwing))
	require.NoError(t, err)

	_, err = exe.Instantiate(ctx, []any{"x"})
	assert.ErrorIs(t, err, loader.ErrArgumentMismatch)
}

func TestInvocationsDoNotShareState(t *testing.T) {
	l := newLoader(t)

	src := `
var calls = 0;
class Counter {
  perform_multiplication() {
    calls++;
    return calls;
  }
}
`
	exe, err := l.Load(context.Background(), jsUnit("counter", src))
	require.NoError(t, err)

	assert.EqualValues(t, 1, invoke(t, exe, "perform_multiplication"))
	assert.EqualValues(t, 1, invoke(t, exe, "perform_multiplication"))
}

func TestCall_Timeout(t *testing.T) {
	l := newLoader(t)

	exe, err := l.Load(context.Background(), jsUnit("spin", testutil.SpinJS("Spin")))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	inst, err := exe.Instantiate(ctx, nil)
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Call(ctx, "perform_multiplication")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestLoad_WASM(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	bin := testutil.WASMBinary(
		testutil.WASMExport{Name: "Calc.perform_multiplication", Op: testutil.OpMul},
		testutil.WASMExport{Name: "Calc.perform_division", Op: testutil.OpDiv},
		testutil.WASMExport{Name: "helper", Op: testutil.OpAdd},
	)
	exe, err := l.Load(ctx, unit.Unit{Name: "calc", Kind: unit.KindWASM, Source: bin})
	require.NoError(t, err)

	assert.Equal(t, unit.KindWASM, exe.Kind())
	assert.Equal(t, []string{"perform_division", "perform_multiplication"}, exe.Capabilities())
	assert.EqualValues(t, 42, invoke(t, exe, "perform_multiplication", 6, 7))
	assert.EqualValues(t, 3, invoke(t, exe, "perform_division", 12.0, 4.0))
}

func TestLoad_WASMFailures(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	_, err := l.Load(ctx, unit.Unit{Name: "calc", Kind: unit.KindWASM, Source: []byte("not wasm")})
	requireLoadError(t, err, loader.ReasonImport)

	bin := testutil.WASMBinary(testutil.WASMExport{Name: "Other.perform_multiplication", Op: testutil.OpMul})
	_, err = l.Load(ctx, unit.Unit{Name: "calc", Kind: unit.KindWASM, Source: bin})
	requireLoadError(t, err, loader.ReasonSymbolNotFound)
}

func TestWASM_ArgumentMismatch(t *testing.T) {
	ctx := context.Background()
	l := newLoader(t)

	bin := testutil.WASMBinary(testutil.WASMExport{Name: "Calc.perform_multiplication", Op: testutil.OpMul})
	exe, err := l.Load(ctx, unit.Unit{Name: "calc", Kind: unit.KindWASM, Source: bin})
	require.NoError(t, err)

	_, err = exe.Instantiate(ctx, []any{"six", 7})
	assert.ErrorIs(t, err, loader.ErrArgumentMismatch)

	inst, err := exe.Instantiate(ctx, []any{6})
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Call(ctx, "perform_multiplication")
	assert.ErrorIs(t, err, loader.ErrArgumentMismatch)
}

func TestLoad_UnknownKind(t *testing.T) {
	l := newLoader(t)
	_, err := l.Load(context.Background(), unit.Unit{Name: "calc", Kind: "py", Source: []byte("x")})
	requireLoadError(t, err, loader.ReasonImport)
}
