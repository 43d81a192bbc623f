// fakeengine stands in for the engine and the X display server so the proxy
// can be developed and tested without either installed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/matlabproxy/matlabhub/logging"
)

var errLicenseCheckout = errors.New("license checkout failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errLicenseCheckout) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fakeengine",
		Short:         "Fake engine and display for development",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newMatlabCmd(), newXvfbCmd())
	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *slog.Logger {
	cfg := logging.DefaultConfig()
	cfg.Output = os.Stdout
	logger, _ := logging.New(cfg)
	return logger
}

func newMatlabCmd() *cobra.Command {
	var opts engineOptions
	cmd := &cobra.Command{
		Use:   "matlab",
		Short: "Serve a fake engine desktop on MW_CONNECTOR_SECURE_PORT",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(os.Getenv("MW_CONNECTOR_SECURE_PORT"))
			if err != nil {
				return fmt.Errorf("MW_CONNECTOR_SECURE_PORT: %w", err)
			}
			opts.port = port
			opts.license = os.Getenv("MLM_LICENSE_FILE")
			opts.stderr = cmd.ErrOrStderr()

			ctx, stop := signalContext()
			defer stop()
			return runEngine(ctx, opts, newLogger())
		},
	}
	cmd.Flags().StringVar(&opts.readyFile, "ready-file", filepath.Join(os.TempDir(), "connector.securePort"), "File written once the engine is ready")
	cmd.Flags().DurationVar(&opts.readyDelay, "ready-delay", 10*time.Second, "Delay before the engine reports ready")
	return cmd
}

func newXvfbCmd() *cobra.Command {
	var readyFile string
	cmd := &cobra.Command{
		Use:   "xvfb",
		Short: "Pretend to be an X display server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runDisplay(ctx, readyFile, newLogger())
		},
	}
	cmd.Flags().StringVar(&readyFile, "ready-file", filepath.Join(os.TempDir(), ".X11-unix", "X1"), "File created once the display is ready")
	return cmd
}
