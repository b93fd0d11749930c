package output

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/opreg/opreg/internal/cli/client"
	"github.com/opreg/opreg/internal/cli/errors"
	"github.com/opreg/opreg/internal/domain/registry"
	"github.com/opreg/opreg/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunResult_Text(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{float64(12), "12"},
		{3.5, "3.5"},
		{"hi", "hi"},
		{true, "true"},
		{nil, "null"},
		{[]any{float64(1), "a"}, `[1,"a"]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewRunResult(&client.RunResult{Result: tt.value}).Text())
	}
}

func TestFormatter_RunResultJSON(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, FormatJSON, false)

	require.NoError(t, f.FormatRunResult(&client.RunResult{Operation: "calc", Result: float64(12), InvocationID: "abc"}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, float64(12), got["result"])
	assert.Equal(t, "abc", got["invocation_id"])
}

func TestFormatter_Operations(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, FormatText, false)

	err := f.FormatOperations(&client.OperationList{Operations: []registry.Entry{
		{Name: "calc", Kind: "js", Symbol: "Calc", Capabilities: []string{"perform_multiplication"}, Digest: "00ff"},
	}})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "calc")
	assert.Contains(t, buf.String(), "perform_multiplication")
}

func TestFormatter_Operation(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, FormatText, false)

	op := &client.Operation{Entry: registry.Entry{Name: "calc", Symbol: "Calc", LoadedAt: time.Now()}}
	require.NoError(t, f.FormatOperation(op))
	assert.Contains(t, buf.String(), "Dispatches:   (none)")

	buf.Reset()
	op.Selected = "perform_division"
	require.NoError(t, f.FormatOperation(op))
	assert.Contains(t, buf.String(), "Dispatches:   perform_division")
}

func TestFormatter_Reload(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, FormatText, false)

	require.NoError(t, f.FormatReload(&client.ReloadReport{
		Loaded: []string{"a", "b"},
		Failed: map[string]string{"z": "load z (import): bad", "c": "load c (import): bad"},
	}))
	assert.Equal(t, "Loaded 2 operation(s)\n  failed c: load c (import): bad\n  failed z: load z (import): bad\n", buf.String())
}

func TestFormatter_Logs(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf, FormatText, false)

	require.NoError(t, f.FormatLogs([]logger.LogEntry{
		{Timestamp: "2026-01-01T00:00:00Z", Level: "INFO", Message: "Operation registered", Attrs: map[string]any{"name": "calc", "kind": "js"}},
	}))
	assert.Equal(t, "2026-01-01T00:00:00Z INFO Operation registered kind=js name=calc\n", buf.String())
}

func TestFormatter_Error(t *testing.T) {
	f := NewFormatter(&bytes.Buffer{}, FormatText, false)

	msg := f.FormatError(errors.ClassifiedError{Kind: errors.ErrorKindNotFound, Message: "Invalid operation: x", Hint: "register it"})
	assert.Equal(t, "Error [not-found]: Invalid operation: x\nHint: register it", msg)
}
