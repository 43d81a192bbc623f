package processes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
	"github.com/tomyedwab/matlabproxy/matlabhub/crashlog"
	"github.com/tomyedwab/matlabproxy/matlabhub/licensing"
)

var (
	// ErrAlreadyRunning is returned by Start when the engine is not down and restart was not requested.
	ErrAlreadyRunning = errors.New("engine is already running or starting")
	// ErrNotLicensed is returned by Start when no complete licensing is configured.
	ErrNotLicensed = errors.New("engine licensing is not configured")
	// ErrStartCanceled is returned by Start when a Stop or the caller's
	// context interrupted it.
	ErrStartCanceled = errors.New("engine start was canceled")
)

const (
	// drainTimeout bounds how long output is still read after the engine
	// exits, since helper processes may keep the pipes open.
	drainTimeout = 250 * time.Millisecond
	// cleanupTimeout bounds stopping the processes of a failed start before
	// they are killed.
	cleanupTimeout = 10 * time.Second
)

// LicenseSource is the view of the licensing machine the supervisor needs.
type LicenseSource interface {
	Info() licensing.Info
	IsLicensed() bool
	AccessToken(ctx context.Context) (string, error)
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Licensing LicenseSource
	Ports     *PortReserver
	Errors    *apperror.Slot
	Logger    *slog.Logger     // Optional, defaults to slog.Default()
	Metrics   MetricsCollector // Optional
	Listener  Listener         // Optional

	EngineCommand    []string
	DisplayCommand   []string
	EngineReadyFile  string
	DisplayReadyFile string
	Display          string // X display, e.g. ":1"
	EngineRoot       string
	APIKey           string
	LogDir           string
	BaseEnv          []string // Optional, defaults to os.Environ()
	Diagnostics      bool     // verbose connector logging on engine stdout

	// CheckInstall reports a missing engine installation. Optional.
	CheckInstall func() error
	// OpenTerminal allocates the engine's stdin. Optional, defaults to OpenPTY.
	OpenTerminal TerminalOpener
	PollInterval time.Duration // Optional, defaults to 100ms
	LogCapacity  int           // Optional, defaults to 200
}

// Supervisor owns the virtual display and engine processes. Start and Stop
// are serialized; Status is safe to call at any time.
type Supervisor struct {
	// lifecycle holds one token while a start or stop runs.
	lifecycle chan struct{}

	mu          sync.RWMutex
	engine      *handle
	display     *handle
	port        int
	cancelStart context.CancelFunc

	licensing    LicenseSource
	ports        *PortReserver
	errs         *apperror.Slot
	logger       *slog.Logger
	metrics      MetricsCollector
	listener     Listener
	logs         *LogBuffer
	engineReady  ReadinessMarker
	displayReady ReadinessMarker

	engineCmd    []string
	displayCmd   []string
	displayName  string
	engineRoot   string
	apiKey       string
	logDir       string
	baseEnv      []string
	diagnostics  bool
	checkInstall func() error
	openTerminal TerminalOpener
	pollInterval time.Duration

	wg sync.WaitGroup
}

// NewSupervisor creates a new Supervisor instance.
func NewSupervisor(config Config) (*Supervisor, error) {
	if config.Licensing == nil {
		return nil, fmt.Errorf("Licensing is required")
	}
	if len(config.EngineCommand) == 0 || len(config.DisplayCommand) == 0 {
		return nil, fmt.Errorf("engine and display commands are required")
	}
	if config.EngineReadyFile == "" || config.DisplayReadyFile == "" {
		return nil, fmt.Errorf("engine and display ready files are required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ports := config.Ports
	if ports == nil {
		ports = NewPortReserver()
	}
	errs := config.Errors
	if errs == nil {
		errs = &apperror.Slot{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	baseEnv := config.BaseEnv
	if baseEnv == nil {
		baseEnv = os.Environ()
	}
	openTerminal := config.OpenTerminal
	if openTerminal == nil {
		openTerminal = OpenPTY
	}
	pollInterval := config.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	return &Supervisor{
		lifecycle:    make(chan struct{}, 1),
		licensing:    config.Licensing,
		ports:        ports,
		errs:         errs,
		logger:       logger.With("component", "Supervisor"),
		metrics:      metrics,
		listener:     config.Listener,
		logs:         NewLogBuffer(config.LogCapacity),
		engineReady:  ReadinessMarker{Path: config.EngineReadyFile},
		displayReady: ReadinessMarker{Path: config.DisplayReadyFile},
		engineCmd:    config.EngineCommand,
		displayCmd:   config.DisplayCommand,
		displayName:  config.Display,
		engineRoot:   config.EngineRoot,
		apiKey:       config.APIKey,
		logDir:       config.LogDir,
		baseEnv:      baseEnv,
		diagnostics:  config.Diagnostics,
		checkInstall: config.CheckInstall,
		openTerminal: openTerminal,
		pollInterval: pollInterval,
	}, nil
}

// Status derives the engine state from the process handles and the engine's readiness marker.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	engine, display := s.engine, s.display
	s.mu.RUnlock()

	if !engine.running() || !display.running() {
		return StatusDown
	}
	if s.engineReady.Present() {
		return StatusUp
	}
	return StatusStarting
}

// Port returns the connector port reserved by the latest start, or 0.
func (s *Supervisor) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Logs returns the captured stderr lines of the current engine run.
func (s *Supervisor) Logs() []string {
	return s.logs.Lines()
}

// acquire takes the lifecycle token, giving up when ctx ends.
func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.lifecycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) release() {
	<-s.lifecycle
}

// Start launches the display and engine. Unless restart is set it refuses
// to run when the engine is not down. Runtime failures are recorded in the
// error slot as well as returned. A concurrent Stop interrupts it.
func (s *Supervisor) Start(ctx context.Context, restart bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStartCanceled, err)
	}
	defer s.release()

	s.mu.Lock()
	s.cancelStart = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelStart = nil
		s.mu.Unlock()
	}()

	began := time.Now()
	err := s.start(ctx, restart)
	s.metrics.StartDuration(time.Since(began), err)
	return err
}

func (s *Supervisor) start(ctx context.Context, restart bool) error {
	if !restart && s.Status() != StatusDown {
		return ErrAlreadyRunning
	}
	if !s.licensing.IsLicensed() {
		return ErrNotLicensed
	}

	if s.checkInstall != nil {
		if err := s.checkInstall(); err != nil {
			appErr := apperror.Wrap(apperror.KindEngineInstall, "'matlab' executable not found in PATH", err)
			s.errs.Set(appErr)
			apperror.Log(s.logger, appErr)
			s.logs.Clear()
			return appErr
		}
	}

	info := s.licensing.Info()
	var accessToken string
	if _, ok := info.(*licensing.MHLM); ok {
		token, err := s.licensing.AccessToken(ctx)
		if err != nil {
			return err
		}
		accessToken = token
	}

	if err := s.stop(ctx); err != nil {
		return fmt.Errorf("stop previous engine: %w", err)
	}

	s.errs.Clear()
	s.logs.Clear()

	port, err := s.ports.Reserve()
	if err != nil {
		return s.fail(apperror.Wrap(apperror.KindInternal, "Failed to reserve a port for the engine", err))
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	for _, m := range []ReadinessMarker{s.engineReady, s.displayReady} {
		if err := m.Remove(); err != nil {
			s.logger.Warn("Failed to remove stale readiness marker", "path", m.Path, "error", err)
		}
	}

	env := EngineEnv{
		Base:        s.baseEnv,
		Display:     s.displayName,
		Port:        port,
		EngineRoot:  s.engineRoot,
		APIKey:      s.apiKey,
		LogDir:      s.logDir,
		Licensing:   info,
		AccessToken: accessToken,
		Diagnostics: s.diagnostics,
	}.Build()

	display, err := s.spawnDisplay(env)
	if err != nil {
		return s.fail(apperror.Wrap(apperror.KindInternal, "Failed to start the virtual display", err))
	}
	s.logger.Debug("Waiting for virtual display", "display", s.displayName, "ready_file", s.displayReady.Path)
	if err := s.displayReady.Wait(ctx, s.pollInterval, display.done); err != nil {
		s.cleanup()
		if ctx.Err() != nil {
			s.logger.Info("Engine start canceled while waiting for the virtual display")
			return fmt.Errorf("%w: %w", ErrStartCanceled, ctx.Err())
		}
		return s.fail(apperror.Wrap(apperror.KindInternal, "Virtual display did not become ready", err))
	}

	if err := s.spawnEngine(env); err != nil {
		s.cleanup()
		return s.fail(apperror.Wrap(apperror.KindInternal, "Failed to start the engine", err))
	}

	s.metrics.EngineStarted()
	if s.listener != nil {
		s.listener.EngineStarted(port)
	}
	return nil
}

// cleanup stops whatever a failed start left running.
func (s *Supervisor) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.stop(ctx); err != nil {
		s.logger.Warn("Failed to stop processes after a failed start", "error", err)
	}
}

func (s *Supervisor) fail(err *apperror.Error) error {
	s.errs.Set(err)
	apperror.Log(s.logger, err)
	return err
}

func (s *Supervisor) spawnDisplay(env []string) (*handle, error) {
	cmd := exec.Command(s.displayCmd[0], s.displayCmd[1:]...)
	cmd.Env = env
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := newHandle("display", cmd)
	s.mu.Lock()
	s.display = h
	s.mu.Unlock()
	s.logger.Debug("Started virtual display", "pid", h.pid(), "display", s.displayName)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.setExit(exitCode(cmd.Wait()))
		s.logger.Debug("Virtual display exited", "pid", h.pid(), "code", h.code())
	}()
	return h, nil
}

func (s *Supervisor) spawnEngine(env []string) error {
	term, err := s.openTerminal()
	if err != nil {
		return fmt.Errorf("open terminal: %w", err)
	}

	// The engine writes into pipes we own, so its exit is observed through
	// Wait even while helper processes keep the write ends open.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		term.Close()
		return err
	}
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		term.Close()
		closeFiles(stderr, stderrW)
		return err
	}

	cmd := exec.Command(s.engineCmd[0], s.engineCmd[1:]...)
	cmd.Env = env
	cmd.Stderr = stderrW
	cmd.Stdout = stdoutW
	term.attach(cmd)
	if err := cmd.Start(); err != nil {
		term.Close()
		closeFiles(stderr, stderrW, stdout, stdoutW)
		return err
	}
	term.releaseDevice()
	closeFiles(stderrW, stdoutW)

	h := newHandle("engine", cmd)
	s.mu.Lock()
	s.engine = h
	s.mu.Unlock()
	pid := h.pid()
	s.logger.Info("Started engine", "pid", pid, "port", s.Port())

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readOutput(stderr, pid, "stderr", s.logs.Add)
	}()
	go func() {
		defer readers.Done()
		s.readOutput(stdout, pid, "stdout", func(line string) {
			s.logger.Debug("Engine stdout", "pid", pid, "output", line)
		})
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer term.Close()

		code := exitCode(cmd.Wait())
		deadline := time.Now().Add(drainTimeout)
		for _, f := range []*os.File{stderr, stdout} {
			if err := f.SetReadDeadline(deadline); err != nil {
				s.logger.Warn("Failed to bound engine output drain", "pid", pid, "error", err)
			}
		}
		readers.Wait()
		closeFiles(stderr, stdout)

		h.setExit(code)
		s.onExit(h)
	}()
	return nil
}

// readOutput passes each line of r to emit until r ends, fails or hits its
// read deadline.
func (s *Supervisor) readOutput(r io.Reader, pid int, stream string, emit func(string)) {
	err := readLines(r, emit)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("Error reading engine output", "pid", pid, "stream", stream, "error", err)
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// onExit classifies the captured stderr of an engine that exited on its own
// with a non-zero code.
func (s *Supervisor) onExit(h *handle) {
	port := s.Port()
	if h.intentionallyStopped() {
		s.logger.Info("Engine stopped", "pid", h.pid(), "code", h.code())
		return
	}

	lines := s.logs.Lines()
	s.logger.Info("Engine exited", "pid", h.pid(), "code", h.code(), "captured_lines", len(lines))
	if h.code() == 0 || len(lines) == 0 {
		return
	}

	appErr := crashlog.Classify(lines, s.licensing.Info())
	if appErr == nil {
		return
	}
	s.errs.Set(appErr)
	apperror.Log(s.logger, appErr)
	s.metrics.EngineCrashed(appErr.Kind.String())
	if s.listener != nil {
		s.listener.EngineCrashed(port, appErr)
	}
}

// Stop terminates the engine and display and clears the captured logs.
// It is idempotent and interrupts a start in progress. Processes are only
// killed if ctx ends before they exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.RLock()
	cancelStart := s.cancelStart
	s.mu.RUnlock()
	if cancelStart != nil {
		cancelStart()
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	err := s.stop(ctx)
	s.logs.Clear()
	return err
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.RLock()
	engine, display, port := s.engine, s.display, s.port
	s.mu.RUnlock()

	wasRunning := engine.running()
	var errs []error
	for _, h := range []*handle{engine, display} {
		if !h.running() {
			continue
		}
		h.markStopping()
		s.logger.Debug("Terminating process", "name", h.name, "pid", h.pid())
		if err := h.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("Failed to send SIGTERM", "name", h.name, "pid", h.pid(), "error", err)
		}
	}
	for _, h := range []*handle{engine, display} {
		if err := s.await(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}

	if port != 0 {
		if removed, err := s.engineReady.RemoveIfOwned(port); err != nil {
			s.logger.Warn("Failed to remove engine readiness marker", "path", s.engineReady.Path, "error", err)
		} else if removed {
			s.logger.Debug("Removed engine readiness marker", "path", s.engineReady.Path)
		}
	}

	if wasRunning && s.listener != nil {
		s.listener.EngineStopped(port)
	}
	return errors.Join(errs...)
}

// await waits for h to exit, killing it if ctx ends first.
func (s *Supervisor) await(ctx context.Context, h *handle) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}
	s.logger.Warn("Stop cancelled, killing process", "name", h.name, "pid", h.pid())
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s (pid %d): %w", h.name, h.pid(), err)
	}
	<-h.done
	return ctx.Err()
}

// Shutdown stops the processes and waits for every background reader to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.Stop(ctx)

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
