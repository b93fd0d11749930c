package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/opreg/opreg/internal/domain/dispatch"
	"github.com/opreg/opreg/internal/domain/registry"
	"github.com/opreg/opreg/internal/domain/unit"
	"github.com/opreg/opreg/internal/domain/unitstore"
)

const invocationHeader = "X-Invocation-ID"

// handleRegisterOperation persists a unit and rebuilds the registry so the
// operation is callable as soon as the response is sent.
func (s *ControlServer) handleRegisterOperation(w http.ResponseWriter, r *http.Request) {
	fields, err := requestFields(w, r, "package_name", "python_code")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := unitFromFields(fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.store.Put(ctx, u); err != nil {
		var verr unit.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to store operation", "name", u.Name, "error", err)
		writeInternal(w, err)
		return
	}

	report, err := s.registry.Rebuild(ctx)
	if err != nil {
		writeInternal(w, err)
		return
	}
	if loadErr, failed := report.Failed[u.Name]; failed {
		writeInternal(w, loadErr)
		return
	}

	s.logger.Info("Operation registered", "name", u.Name, "kind", u.Kind, "digest", u.Digest())
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Operation %s registered successfully", u.Name),
	})
}

func unitFromFields(fields map[string]json.RawMessage) (unit.Unit, error) {
	name, err := stringField(fields, "package_name")
	if err != nil {
		return unit.Unit{}, err
	}
	code, err := stringField(fields, "python_code")
	if err != nil {
		return unit.Unit{}, err
	}
	kindName, err := stringField(fields, "kind")
	if err != nil {
		return unit.Unit{}, err
	}

	if err := unit.ValidateName(name); err != nil {
		return unit.Unit{}, err
	}
	kind, err := unit.ParseKind(kindName)
	if err != nil {
		return unit.Unit{}, err
	}

	source := []byte(code)
	if kind == unit.KindWASM {
		source, err = base64.StdEncoding.DecodeString(code)
		if err != nil {
			return unit.Unit{}, unit.ValidationError{Field: "python_code", Message: "must be base64 encoded for wasm units"}
		}
	}
	return unit.Unit{Name: name, Kind: kind, Source: source}, nil
}

func (s *ControlServer) handleRunSomething(w http.ResponseWriter, r *http.Request) {
	fields, err := requestFields(w, r, "operation", "input")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	operation, err := stringField(fields, "operation")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	input, err := arrayField(fields, "input")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.dispatcher.Invoke(r.Context(), operation, input)
	if err != nil {
		var derr *dispatch.Error
		if errors.As(err, &derr) {
			w.Header().Set(invocationHeader, derr.InvocationID)
			switch derr.Kind {
			case dispatch.KindInvalidOperation, dispatch.KindNoMatchingCapability:
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		writeInternal(w, err)
		return
	}

	w.Header().Set(invocationHeader, res.InvocationID)
	writeJSON(w, http.StatusOK, map[string]any{"result": res.Value})
}

func (s *ControlServer) handleListOperations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"operations":   s.registry.List(),
		"capabilities": s.dispatcher.Capabilities(),
	})
}

// operationDetail adds the capability the dispatcher would pick.
type operationDetail struct {
	registry.Entry
	Selected string `json:"selected_capability,omitempty"`
}

func (s *ControlServer) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	exe, ok := s.registry.Resolve(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Invalid operation: "+name)
		return
	}
	selected, _ := s.dispatcher.Select(exe)
	writeJSON(w, http.StatusOK, operationDetail{Entry: registry.NewEntry(exe), Selected: selected})
}

func (s *ControlServer) handleDeleteOperation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx := r.Context()

	if err := s.store.Delete(ctx, name); err != nil {
		var verr unit.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, unitstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "Invalid operation: "+name)
		default:
			writeInternal(w, err)
		}
		return
	}

	if _, err := s.registry.Rebuild(ctx); err != nil {
		writeInternal(w, err)
		return
	}

	s.logger.Info("Operation removed", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *ControlServer) handleReload(w http.ResponseWriter, r *http.Request) {
	report, err := s.registry.Rebuild(r.Context())
	if err != nil {
		writeInternal(w, err)
		return
	}
	loaded := report.Loaded
	if loaded == nil {
		loaded = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded": loaded,
		"failed": report.FailureMessages(),
	})
}
