package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opreg/opreg/internal/api"
	"github.com/opreg/opreg/internal/domain/config"
	"github.com/opreg/opreg/internal/domain/dispatch"
	"github.com/opreg/opreg/internal/domain/loader"
	"github.com/opreg/opreg/internal/domain/registry"
	"github.com/opreg/opreg/internal/domain/unitstore"
	"github.com/opreg/opreg/internal/logger"
	"github.com/opreg/opreg/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	logs := logger.NewSink()
	log := logger.New(logs, "info", "text", nil)

	store, err := unitstore.NewFileStore(filepath.Join(t.TempDir(), "tools"), log)
	require.NoError(t, err)
	l := loader.New(ctx, log)
	t.Cleanup(func() { l.Close(ctx) })

	settings := config.DefaultSettings()
	reg := registry.New(store, l, 2, log)
	d := dispatch.New(reg, settings.Capabilities, 2*time.Second, log)

	ts := httptest.NewServer(api.NewControlServer(store, reg, d, settings, logs, log))
	t.Cleanup(ts.Close)
	return ts.URL
}

// execute runs the CLI and returns stdout, stderr and the exit code.
func execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		return stdout.String(), err.Error(), 1
	}
	return stdout.String(), stderr.String(), 0
}

func writeUnit(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestRegisterAndRun(t *testing.T) {
	server := startDaemon(t)
	path := writeUnit(t, "calc.js", testutil.MultiplyJS("Calc"))

	out, _, code := execute(t, "--server", server, "register", "calc", path)
	require.Equal(t, 0, code)
	assert.Equal(t, "Operation calc registered successfully\n", out)

	out, _, code = execute(t, "--server", server, "run", "calc", "3", "4")
	require.Equal(t, 0, code)
	assert.Equal(t, "12\n", out)

	out, _, code = execute(t, "--server", server, "run", "calc", "--input", "[6, 7]")
	require.Equal(t, 0, code)
	assert.Equal(t, "42\n", out)

	out, _, code = execute(t, "--server", server, "--json", "run", "calc", "2", "2")
	require.Equal(t, 0, code)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, float64(4), res["result"])
	assert.NotEmpty(t, res["invocation_id"])
}

func TestRegisterWASM(t *testing.T) {
	server := startDaemon(t)
	bin := testutil.WASMBinary(testutil.WASMExport{Name: "Div.perform_division", Op: testutil.OpDiv})
	path := writeUnit(t, "div.wasm", string(bin))

	_, _, code := execute(t, "--server", server, "register", "div", path)
	require.Equal(t, 0, code)

	out, _, code := execute(t, "--server", server, "run", "div", "7", "2")
	require.Equal(t, 0, code)
	assert.Equal(t, "3.5\n", out)
}

func TestRunUnknownOperation(t *testing.T) {
	server := startDaemon(t)

	_, errOut, code := execute(t, "--server", server, "run", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Invalid operation: nope")
}

func TestListShowRemoveReload(t *testing.T) {
	server := startDaemon(t)
	_, _, code := execute(t, "--server", server, "register", "calc", writeUnit(t, "calc.js", testutil.BothJS("Calc")))
	require.Equal(t, 0, code)

	out, _, code := execute(t, "--server", server, "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "calc")
	assert.Contains(t, out, "Calc")

	out, _, code = execute(t, "--server", server, "show", "calc")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Dispatches:   perform_multiplication")

	out, _, code = execute(t, "--server", server, "reload")
	require.Equal(t, 0, code)
	assert.Equal(t, "Loaded 1 operation(s)\n", out)

	out, _, code = execute(t, "--server", server, "remove", "calc")
	require.Equal(t, 0, code)
	assert.Equal(t, "Operation calc removed\n", out)

	_, errOut, code := execute(t, "--server", server, "show", "calc")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "404")
}

func TestLogsAndStatus(t *testing.T) {
	server := startDaemon(t)
	_, _, code := execute(t, "--server", server, "register", "calc", writeUnit(t, "calc.js", testutil.MultiplyJS("Calc")))
	require.Equal(t, 0, code)

	out, _, code := execute(t, "--server", server, "logs")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Operation registered")

	out, _, code = execute(t, "--server", server, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Operations: 1")
}

func TestParseInput(t *testing.T) {
	input, err := parseInput([]string{"3", "4.5", "hello", `"7"`, "true"}, "")
	require.NoError(t, err)
	assert.Equal(t, []any{float64(3), 4.5, "hello", "7", true}, input)

	_, err = parseInput([]string{"1"}, "[1]")
	assert.Error(t, err)

	_, err = parseInput(nil, "{")
	assert.Error(t, err)
}

func TestKindFor(t *testing.T) {
	kind, err := kindFor("calc.WASM", "")
	require.NoError(t, err)
	assert.Equal(t, "wasm", string(kind))

	kind, err = kindFor("calc.txt", "")
	require.NoError(t, err)
	assert.Equal(t, "js", string(kind))

	_, err = kindFor("calc.js", "lua")
	assert.Error(t, err)
}

func TestExecute_InfersRun(t *testing.T) {
	server := startDaemon(t)
	_, _, code := execute(t, "--server", server, "register", "calc", writeUnit(t, "calc.js", testutil.MultiplyJS("Calc")))
	require.Equal(t, 0, code)

	t.Setenv("OPREG_SERVER", server)
	assert.Equal(t, 0, Execute(context.Background(), []string{"--no-color", "calc", "3", "4"}))
	assert.Equal(t, 1, Execute(context.Background(), []string{"--no-color", "nope"}))
}
