// Package dispatch resolves an operation name to one action and runs it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opreg/opreg/internal/domain/loader"
)

// DefaultCapabilities is the probe order used when none is configured.
// The first capability a unit declares wins.
var DefaultCapabilities = []string{"perform_multiplication", "perform_division"}

// Kind classifies a dispatch failure.
type Kind string

const (
	KindInvalidOperation     Kind = "InvalidOperation"
	KindInstantiation        Kind = "InstantiationError"
	KindNoMatchingCapability Kind = "NoMatchingCapability"
	KindInvocationFailed     Kind = "InvocationFailed"
	KindTimeout              Kind = "Timeout"
)

// Error is returned by Invoke.
type Error struct {
	Kind         Kind
	Operation    string
	InvocationID string
	Err          error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidOperation:
		return "Invalid operation: " + e.Operation
	case KindNoMatchingCapability:
		return "Method not found for operation: " + e.Operation
	case KindInstantiation:
		return fmt.Sprintf("cannot instantiate %s: %v", e.Operation, e.Err)
	case KindTimeout:
		return fmt.Sprintf("operation %s timed out", e.Operation)
	}
	return fmt.Sprintf("operation %s failed: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a dispatch Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Kind == kind
}

// Resolver looks up loaded executables by operation name.
type Resolver interface {
	Resolve(name string) (loader.Executable, bool)
}

// Result is the outcome of a successful invocation.
type Result struct {
	InvocationID string        `json:"invocation_id"`
	Operation    string        `json:"operation"`
	Capability   string        `json:"capability"`
	Value        any           `json:"result"`
	Duration     time.Duration `json:"duration"`
}

// Dispatcher instantiates resolved operations and runs the first configured
// capability they declare.
type Dispatcher struct {
	resolver     Resolver
	capabilities []string
	timeout      time.Duration
	logger       *slog.Logger
}

// New creates a Dispatcher. An empty capability list means
// DefaultCapabilities; a zero timeout leaves invocations unbounded.
func New(resolver Resolver, capabilities []string, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if len(capabilities) == 0 {
		capabilities = DefaultCapabilities
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		resolver:     resolver,
		capabilities: append([]string(nil), capabilities...),
		timeout:      timeout,
		logger:       logger,
	}
}

// Capabilities returns the probe order.
func (d *Dispatcher) Capabilities() []string {
	return append([]string(nil), d.capabilities...)
}

// Select returns the first capability in probe order that exe declares.
func (d *Dispatcher) Select(exe loader.Executable) (string, bool) {
	for _, capability := range d.capabilities {
		if exe.Supports(capability) {
			return capability, true
		}
	}
	return "", false
}

// selectFor is Select extended to the capabilities inst exposes on its own,
// such as methods a constructor assigns to the new object.
func (d *Dispatcher) selectFor(exe loader.Executable, inst loader.Instance) (string, bool) {
	for _, capability := range d.capabilities {
		if exe.Supports(capability) || inst.Supports(capability) {
			return capability, true
		}
	}
	return "", false
}

// Invoke resolves operation, binds args to its constructor and runs the
// selected capability.
func (d *Dispatcher) Invoke(ctx context.Context, operation string, args []any) (*Result, error) {
	id := uuid.Must(uuid.NewV7()).String()
	logger := d.logger.With("invocation_id", id, "operation", operation)
	start := time.Now()

	exe, ok := d.resolver.Resolve(operation)
	if !ok {
		logger.Debug("Unknown operation")
		return nil, &Error{Kind: KindInvalidOperation, Operation: operation, InvocationID: id}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	inst, err := exe.Instantiate(ctx, args)
	if err != nil {
		derr := classify(id, operation, KindInstantiation, err)
		logger.Warn("Instantiation failed", "kind", derr.Kind, "error", err)
		return nil, derr
	}
	defer inst.Close(context.WithoutCancel(ctx))

	capability, ok := d.selectFor(exe, inst)
	if !ok {
		logger.Warn("No matching capability", "declared", exe.Capabilities(), "probed", d.capabilities)
		return nil, &Error{Kind: KindNoMatchingCapability, Operation: operation, InvocationID: id}
	}

	value, err := inst.Call(ctx, capability)
	if err != nil {
		kind := KindInvocationFailed
		if errors.Is(err, loader.ErrArgumentMismatch) {
			kind = KindInstantiation
		}
		derr := classify(id, operation, kind, err)
		logger.Warn("Invocation failed", "capability", capability, "kind", derr.Kind, "error", err)
		return nil, derr
	}

	// Results travel as JSON; NaN, infinities, functions and cycles do not.
	if _, err := json.Marshal(value); err != nil {
		derr := classify(id, operation, KindInvocationFailed, fmt.Errorf("result of %s: %w", capability, err))
		logger.Warn("Invocation failed", "capability", capability, "kind", derr.Kind, "error", err)
		return nil, derr
	}

	res := &Result{
		InvocationID: id,
		Operation:    operation,
		Capability:   capability,
		Value:        value,
		Duration:     time.Since(start),
	}
	logger.Info("Operation invoked", "capability", capability, "duration", res.Duration)
	return res, nil
}

func classify(id, operation string, kind Kind, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Operation: operation, InvocationID: id, Err: err}
}
