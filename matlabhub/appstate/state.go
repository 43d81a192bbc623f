// Package appstate ties the licensing machine, the process supervisor and
// the shared error slot into the single state object behind the control API.
package appstate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
	"github.com/tomyedwab/matlabproxy/matlabhub/audit"
	"github.com/tomyedwab/matlabproxy/matlabhub/config"
	"github.com/tomyedwab/matlabproxy/matlabhub/licensing"
	"github.com/tomyedwab/matlabproxy/matlabhub/metrics"
	"github.com/tomyedwab/matlabproxy/matlabhub/processes"
)

// Config holds the dependencies of an AppState.
type Config struct {
	Runtime *config.Runtime
	Logger  *slog.Logger        // Optional, defaults to slog.Default()
	API     licensing.OnlineAPI // Optional, defaults to the production web services
	Audit   *audit.Logger       // Optional
	Metrics *metrics.Collector  // Optional

	// Optional overrides, used by tests.
	Ports        *processes.PortReserver
	OpenTerminal processes.TerminalOpener
	BaseEnv      []string
}

// AppState is the root of the proxy's mutable state.
type AppState struct {
	Licensing *licensing.Machine
	Engine    *processes.Supervisor
	Errors    *apperror.Slot

	runtime *config.Runtime
	audit   *audit.Logger
	metrics *metrics.Collector
	logger  *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeAudit sync.Once
}

func New(cfg Config) (*AppState, error) {
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("Runtime is required")
	}
	rt := cfg.Runtime
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		api = licensing.NewAPIClient(rt.AuthEndpoint, rt.EntitlementEndpoint)
	}

	s := &AppState{
		Errors:  &apperror.Slot{},
		runtime: rt,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "AppState"),
	}

	machine, err := licensing.NewMachine(licensing.MachineConfig{
		Store:      licensing.NewStore(rt.LicensingFile),
		API:        api,
		Release:    rt.Release,
		EnvConnStr: rt.Settings.LicenseFile,
		Errors:     s.Errors,
		Logger:     logger,
		Observer:   s,
	})
	if err != nil {
		return nil, fmt.Errorf("create licensing machine: %w", err)
	}
	s.Licensing = machine

	ports := cfg.Ports
	if ports == nil && rt.FixedPort != 0 {
		ports = processes.NewPortReserver(processes.WithFixedPort(rt.FixedPort))
	}
	var collector processes.MetricsCollector
	if cfg.Metrics != nil {
		collector = cfg.Metrics
	}

	engine, err := processes.NewSupervisor(processes.Config{
		Licensing:        machine,
		Ports:            ports,
		Errors:           s.Errors,
		Logger:           logger,
		Metrics:          collector,
		Listener:         s,
		EngineCommand:    rt.EngineCommand,
		DisplayCommand:   rt.DisplayCommand,
		EngineReadyFile:  rt.EngineReadyFile,
		DisplayReadyFile: rt.DisplayReadyFile,
		Display:          rt.Display,
		EngineRoot:       rt.EngineRoot,
		APIKey:           rt.APIKey,
		LogDir:           rt.LogDir,
		BaseEnv:          cfg.BaseEnv,
		Diagnostics:      logger.Enabled(context.Background(), slog.LevelDebug),
		CheckInstall:     rt.CheckInstall,
		OpenTerminal:     cfg.OpenTerminal,
	})
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	s.Engine = engine

	if cfg.Metrics != nil {
		cfg.Metrics.TrackStatus(func() string { return engine.Status().String() })
	}

	if rt.InstallError != nil {
		appErr := apperror.Wrap(apperror.KindEngineInstall, "'matlab' executable not found in PATH", rt.InstallError)
		s.Errors.Set(appErr)
		apperror.Log(s.logger, appErr)
	}
	return s, nil
}

// Runtime returns the resolved settings the state was built from.
func (s *AppState) Runtime() *config.Runtime {
	return s.runtime
}

// Audit returns the audit journal, or nil when disabled.
func (s *AppState) Audit() *audit.Logger {
	return s.audit
}

// MetricsHandler serves the metrics registry, or returns nil when metrics
// are disabled.
func (s *AppState) MetricsHandler() http.Handler {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Handler()
}

// Run prunes expired audit events, then starts the background tasks:
// licensing initialization followed by an automatic engine start when
// licensing is complete. It returns once the background tasks are launched.
func (s *AppState) Run() {
	s.pruneAudit()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Licensing.Init(ctx)
		if ctx.Err() != nil {
			return
		}
		if s.Licensing.IsLicensed() && s.Engine.Status() == processes.StatusDown {
			s.logger.Info("Licensing is configured, starting the engine")
			if err := s.Engine.Start(ctx, false); err != nil {
				s.logger.Warn("Automatic engine start failed", "error", err)
			}
		}
	}()
}

func (s *AppState) pruneAudit() {
	retention := s.runtime.Settings.AuditRetention
	if s.audit == nil || retention <= 0 {
		return
	}
	removed, err := s.audit.CleanupOldEvents(retention)
	if err != nil {
		s.logger.Warn("Failed to prune audit journal", "retention", retention, "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Pruned audit journal", "removed", removed, "retention", retention)
	}
}

// Cleanup cancels the background tasks, waits for them and stops the
// engine. It is safe to call more than once.
func (s *AppState) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	err := s.Engine.Shutdown(ctx)
	if s.audit != nil {
		s.closeAudit.Do(func() {
			if closeErr := s.audit.Close(); closeErr != nil {
				s.logger.Warn("Failed to close audit journal", "error", closeErr)
			}
		})
	}
	return err
}
