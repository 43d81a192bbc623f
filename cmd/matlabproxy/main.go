// matlabproxy serves a browser-based engine desktop behind a single HTTP
// endpoint, managing the engine, its virtual display and its licensing.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/matlabproxy/matlabhub/appstate"
	"github.com/tomyedwab/matlabproxy/matlabhub/audit"
	"github.com/tomyedwab/matlabproxy/matlabhub/config"
	"github.com/tomyedwab/matlabproxy/matlabhub/logging"
	"github.com/tomyedwab/matlabproxy/matlabhub/metrics"
	"github.com/tomyedwab/matlabproxy/matlabhub/server"
	"github.com/tomyedwab/matlabproxy/matlabhub/webproxy"
)

// Version is injected during build
var Version = "dev"

const shutdownTimeout = 15 * time.Second

type options struct {
	configPath string
	port       int
	host       string
	baseURL    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	rootCmd := &cobra.Command{
		Use:   "matlabproxy",
		Short: "Serve the engine desktop over HTTP",
		Long: `matlabproxy starts a control API and a reverse proxy in front of a locally
supervised engine. Settings come from an optional YAML file, then MWI_*
environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML settings file")
	flags.IntVar(&opts.port, "port", 0, "Port for the control API and proxy (overrides MWI_APP_PORT)")
	flags.StringVar(&opts.host, "host", "", "Interface to bind (overrides MWI_APP_HOST)")
	flags.StringVar(&opts.baseURL, "base-url", "", "URL prefix to serve under (overrides MWI_BASE_URL)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides MWI_LOG_LEVEL)")

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			version := Version
			if info, ok := debug.ReadBuildInfo(); ok && version == "dev" && info.Main.Version != "" {
				version = info.Main.Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "matlabproxy %s (%s, %s/%s)\n",
				version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadSettings layers flags over the file and environment settings.
func loadSettings(cmd *cobra.Command, opts options) (config.Settings, error) {
	settings, err := config.LoadSettings(opts.configPath)
	if err != nil {
		return config.Settings{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		settings.AppPort = opts.port
	}
	if flags.Changed("host") {
		settings.AppHost = opts.host
	}
	if flags.Changed("base-url") {
		settings.BaseURL = opts.baseURL
	}
	if flags.Changed("log-level") {
		settings.LogLevel = opts.logLevel
	}
	return settings, nil
}

func run(cmd *cobra.Command, opts options) error {
	settings, err := loadSettings(cmd, opts)
	if err != nil {
		return err
	}
	rt, err := config.Resolve(settings)
	if err != nil {
		return err
	}

	// 1. Setup logger
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(settings.LogLevel)
	logCfg.Format = logging.ParseFormat(settings.LogFormat)
	logCfg.File = settings.LogFile
	logger, logCloser := logging.New(logCfg)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("Starting MATLAB proxy",
		"version", Version,
		"release", rt.Release,
		"dev", settings.Dev,
		"base_url", rt.Settings.BaseURL)

	// 2. Audit journal and metrics
	var auditLog *audit.Logger
	if rt.AuditEnabled() {
		auditLog, err = openAudit(rt.AuditDB)
		if err != nil {
			logger.Warn("Audit journal unavailable, continuing without it", "path", rt.AuditDB, "error", err)
			auditLog = nil
		} else {
			logger.Info("Audit journal initialized", "path", rt.AuditDB)
		}
	}
	var collector *metrics.Collector
	var proxyMetrics webproxy.Metrics
	if settings.EnableMetrics {
		collector = metrics.NewCollector("")
		proxyMetrics = collector
	}

	// 3. Application state
	state, err := appstate.New(appstate.Config{
		Runtime: rt,
		Logger:  logger,
		Audit:   auditLog,
		Metrics: collector,
	})
	if err != nil {
		return fmt.Errorf("initialize state: %w", err)
	}

	// 4. HTTP front end
	terminated := make(chan struct{})
	var terminateOnce sync.Once
	proxy := webproxy.New(webproxy.Config{
		Backend:       state.Engine,
		Protocol:      rt.Protocol,
		APIKey:        rt.APIKey,
		CustomHeaders: rt.CustomHeaders,
		Logger:        logger,
		Metrics:       proxyMetrics,
	})
	srv := server.New(server.Config{
		BaseURL: rt.Settings.BaseURL,
		State:   state,
		Proxy:   proxy,
		Terminate: func() {
			terminateOnce.Do(func() { close(terminated) })
		},
		CustomHeaders: rt.CustomHeaders,
		Logger:        logger,
	})

	listener, err := net.Listen("tcp", rt.ListenAddr())
	if err != nil {
		state.Cleanup(context.Background())
		return fmt.Errorf("listen on %s: %w", rt.ListenAddr(), err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	// 5. Background licensing initialization and engine start
	state.Run()
	logger.Info("Access the MATLAB desktop",
		"url", fmt.Sprintf("http://%s%s/index.html", listener.Addr().String(), rt.Settings.BaseURL))

	// 6. Wait for a signal, a terminate request or a server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
	case <-terminated:
		logger.Info("Integration terminated, shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped unexpectedly", "error", err)
			runErr = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("Stopping HTTP server")
	if err := srv.Stop(ctx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	logger.Info("Stopping engine")
	if err := state.Cleanup(ctx); err != nil {
		logger.Error("Error stopping engine", "error", err)
	}
	logger.Info("Shutdown complete")
	return runErr
}

func openAudit(path string) (*audit.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return audit.Open(path)
}
