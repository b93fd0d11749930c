// Package client talks to a running opreg daemon.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opreg/opreg/internal/domain/registry"
	"github.com/opreg/opreg/internal/domain/unit"
	"github.com/opreg/opreg/internal/logger"
)

// DefaultServer is the daemon address used when none is given.
const DefaultServer = "http://localhost:5000"

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

type ControlClient struct {
	baseURL string
	client  *http.Client
}

func NewControlClient(baseURL string, timeout time.Duration) *ControlClient {
	if baseURL == "" {
		baseURL = DefaultServer
	}
	return &ControlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Register uploads a unit. WASM sources are base64 encoded for transport.
func (c *ControlClient) Register(ctx context.Context, name string, kind unit.Kind, source []byte) (string, error) {
	code := string(source)
	if kind == unit.KindWASM {
		code = base64.StdEncoding.EncodeToString(source)
	}
	body := map[string]string{
		"package_name": name,
		"python_code":  code,
		"kind":         string(kind),
	}
	var resp struct {
		Message string `json:"message"`
	}
	if _, err := c.do(ctx, "POST", "/register_operation", body, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// RunResult is the outcome of a remote invocation.
type RunResult struct {
	Operation    string `json:"operation"`
	Result       any    `json:"result"`
	InvocationID string `json:"invocation_id,omitempty"`
}

func (c *ControlClient) Run(ctx context.Context, operation string, input []any) (*RunResult, error) {
	if input == nil {
		input = []any{}
	}
	body := map[string]any{
		"operation": operation,
		"input":     input,
	}
	res := &RunResult{Operation: operation}
	header, err := c.do(ctx, "POST", "/runsomething", body, res)
	if err != nil {
		return nil, err
	}
	res.InvocationID = header.Get("X-Invocation-ID")
	return res, nil
}

// OperationList is the daemon's view of registered operations.
type OperationList struct {
	Operations   []registry.Entry `json:"operations"`
	Capabilities []string         `json:"capabilities"`
}

func (c *ControlClient) ListOperations(ctx context.Context) (*OperationList, error) {
	var list OperationList
	_, err := c.do(ctx, "GET", "/api/operations", nil, &list)
	return &list, err
}

// Operation describes a single registered operation.
type Operation struct {
	registry.Entry
	Selected string `json:"selected_capability,omitempty"`
}

func (c *ControlClient) GetOperation(ctx context.Context, name string) (*Operation, error) {
	var op Operation
	_, err := c.do(ctx, "GET", "/api/operations/"+url.PathEscape(name), nil, &op)
	return &op, err
}

func (c *ControlClient) RemoveOperation(ctx context.Context, name string) error {
	_, err := c.do(ctx, "DELETE", "/api/operations/"+url.PathEscape(name), nil, nil)
	return err
}

// ReloadReport lists what a registry rebuild loaded and what failed.
type ReloadReport struct {
	Loaded []string          `json:"loaded"`
	Failed map[string]string `json:"failed"`
}

func (c *ControlClient) Reload(ctx context.Context) (*ReloadReport, error) {
	var report ReloadReport
	_, err := c.do(ctx, "POST", "/api/operations/reload", nil, &report)
	return &report, err
}

func (c *ControlClient) Logs(ctx context.Context) ([]logger.LogEntry, error) {
	var resp struct {
		Logs []logger.LogEntry `json:"logs"`
	}
	_, err := c.do(ctx, "GET", "/api/logs", nil, &resp)
	return resp.Logs, err
}

// StreamLogs calls fn for every log entry the daemon emits until ctx is
// done or the connection drops.
func (c *ControlClient) StreamLogs(ctx context.Context, fn func(logger.LogEntry)) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/logs/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout.
	streamer := &http.Client{Transport: c.client.Transport}
	resp, err := streamer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var entry logger.LogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		fn(entry)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// Health reports whether the daemon answers and how many operations it holds.
type Health struct {
	Status     string    `json:"status"`
	Operations int       `json:"operations"`
	BuiltAt    time.Time `json:"built_at"`
}

func (c *ControlClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	_, err := c.do(ctx, "GET", "/health", nil, &h)
	return &h, err
}

func (c *ControlClient) do(ctx context.Context, method, path string, body, v any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.Header, decodeAPIError(resp)
	}
	if v != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp.Header, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
