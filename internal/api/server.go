// Package api exposes the operation registry over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opreg/opreg/internal/domain/config"
	"github.com/opreg/opreg/internal/domain/dispatch"
	"github.com/opreg/opreg/internal/domain/registry"
	"github.com/opreg/opreg/internal/domain/unitstore"
	"github.com/opreg/opreg/internal/logger"
)

// maxBodyBytes bounds request bodies; WASM units travel base64 encoded.
const maxBodyBytes = 16 << 20

// ControlServer handles registration and invocation requests.
type ControlServer struct {
	mux        *http.ServeMux
	store      *unitstore.FileStore
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	settings   config.Settings
	logs       *logger.Sink
	logger     *slog.Logger
}

// NewControlServer creates a new server. logs may be nil, in which case the
// log endpoints report an empty buffer.
func NewControlServer(store *unitstore.FileStore, reg *registry.Registry, d *dispatch.Dispatcher, settings config.Settings, logs *logger.Sink, log *slog.Logger) *ControlServer {
	if log == nil {
		log = slog.Default()
	}
	s := &ControlServer{
		mux:        http.NewServeMux(),
		store:      store,
		registry:   reg,
		dispatcher: d,
		settings:   settings,
		logs:       logs,
		logger:     log.With("component", "api"),
	}
	s.routes()
	return s
}

func (s *ControlServer) routes() {
	s.mux.HandleFunc("POST /register_operation", s.handleRegisterOperation)
	s.mux.HandleFunc("POST /runsomething", s.handleRunSomething)

	s.mux.HandleFunc("GET /api/operations", s.handleListOperations)
	s.mux.HandleFunc("GET /api/operations/{name}", s.handleGetOperation)
	s.mux.HandleFunc("DELETE /api/operations/{name}", s.handleDeleteOperation)
	s.mux.HandleFunc("POST /api/operations/reload", s.handleReload)
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("GET /api/logs", s.handleGetLogs)
	s.mux.HandleFunc("GET /api/logs/stream", s.handleStreamLogs)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *ControlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Global CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Expose-Headers", invocationHeader)

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

func (s *ControlServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings)
}

func (s *ControlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"operations": snap.Len(),
		"built_at":   snap.BuiltAt,
	})
}

// writeJSON encodes v before committing status. Encoding failures become a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("An error occurred: %v", err)})
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeInternal reports an unexpected failure with a generic prefix.
func writeInternal(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("An error occurred: %v", err))
}
