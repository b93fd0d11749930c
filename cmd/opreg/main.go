// Command opreg runs the operation registry daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opreg/opreg/internal/api"
	"github.com/opreg/opreg/internal/domain/config"
	"github.com/opreg/opreg/internal/domain/dispatch"
	"github.com/opreg/opreg/internal/domain/loader"
	"github.com/opreg/opreg/internal/domain/registry"
	"github.com/opreg/opreg/internal/domain/unitstore"
	"github.com/opreg/opreg/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, true); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// daemon bundles the wired components.
type daemon struct {
	appDir   string
	settings config.Settings
	logs     *logger.Sink
	logger   *slog.Logger
	store    *unitstore.FileStore
	loader   *loader.Loader
	registry *registry.Registry
	server   *api.ControlServer
}

func (d *daemon) close(ctx context.Context) {
	d.loader.Close(ctx)
	d.logs.Close()
}

// appDir is OPREG_CONFIG_DIR, or an opreg directory under the user config dir.
func appDir() string {
	dir := os.Getenv("OPREG_CONFIG_DIR")
	if dir != "" {
		return dir
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	return filepath.Join(configDir, "opreg")
}

func setup(ctx context.Context, dir string) (*daemon, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create app dir: %w", err)
	}

	settingsStore := config.FindStore(dir)
	settings, err := settingsStore.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logs, err := logger.Open(dir)
	if err != nil {
		return nil, err
	}
	log := logger.New(logs, settings.LogLevel, settings.LogFormat, os.Stderr)

	unitsDir := settings.UnitsDir
	if !filepath.IsAbs(unitsDir) {
		unitsDir = filepath.Join(dir, unitsDir)
	}
	store, err := unitstore.NewFileStore(unitsDir, log.With("component", "store"))
	if err != nil {
		logs.Close()
		return nil, err
	}

	l := loader.New(ctx, log.With("component", "loader"), loader.WithLoadTimeout(settings.LoadTimeout()))
	reg := registry.New(store, l, settings.LoadWorkers, log.With("component", "registry"))

	// Units persisted by a previous run are callable right away.
	report, err := reg.Rebuild(ctx)
	if err != nil {
		l.Close(ctx)
		logs.Close()
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	for name, loadErr := range report.Failed {
		log.Warn("Operation unavailable", "name", name, "error", loadErr)
	}

	d := dispatch.New(reg, settings.Capabilities, settings.InvokeTimeout(), log.With("component", "dispatch"))

	return &daemon{
		appDir:   dir,
		settings: settings,
		logs:     logs,
		logger:   log,
		store:    store,
		loader:   l,
		registry: reg,
		server:   api.NewControlServer(store, reg, d, settings, logs, log),
	}, nil
}

func run(ctx context.Context, serve bool) error {
	d, err := setup(ctx, appDir())
	if err != nil {
		return err
	}
	defer d.close(context.Background())

	d.logger.Info("opreg initialized",
		"app_dir", d.appDir,
		"units_dir", d.store.Dir(),
		"operations", d.registry.Snapshot().Len(),
		"log_file", d.logs.FilePath())

	if !serve {
		return nil
	}

	srv := &http.Server{
		Addr:              d.settings.ListenAddr,
		Handler:           d.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("Starting control server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	d.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
