package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// brokenLicense is the connection string that makes the fake engine fail
// the way a real one does on a bad network license.
const brokenLicense = "123@brokenhost"

const desktopHTML = `<!DOCTYPE html>
<html>
<head><title>Fake MATLAB Web Desktop</title></head>
<body>
<h1>Fake MATLAB Web Desktop</h1>
<p>This page stands in for the engine desktop during development.</p>
</body>
</html>
`

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newEngineRouter serves the pages and endpoints of the fake engine.
func newEngineRouter(logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/index-jsd-cr.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, desktopHTML)
	})
	r.Get("/http_get_request.html", echo)
	r.Post("/http_post_request.html/{variable}/messageservice/json/secure", echo)
	r.Put("/http_put_request.html", echo)
	r.Delete("/http_delete_request.html", echo)
	r.Get("/http_ws_request.html/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte("Hello world")); err != nil {
			logger.Warn("WebSocket write failed", "error", err)
			return
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return r
}

func echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(body)
}

// listenWhenFree binds port, retrying until it becomes available or ctx ends.
func listenWhenFree(ctx context.Context, port int, retry time.Duration, logger *slog.Logger) (net.Listener, error) {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	for {
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return listener, nil
		}
		logger.Info("Waiting for port to be available", "port", port, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// writeReadyFile announces the engine by writing its port into path.
func writeReadyFile(path string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(port)), 0o644)
}

type engineOptions struct {
	readyFile  string
	readyDelay time.Duration
	port       int
	license    string
	stderr     io.Writer
}

// runEngine serves the fake engine until ctx ends. The ready file is written
// after the configured delay.
func runEngine(ctx context.Context, opts engineOptions, logger *slog.Logger) error {
	if opts.license == brokenLicense {
		fmt.Fprintln(opts.stderr, "License checkout failed")
		fmt.Fprintln(opts.stderr, "Invalid NLM Connection String")
		fmt.Fprintln(opts.stderr, "Diagnostic Information")
		return errLicenseCheckout
	}

	listener, err := listenWhenFree(ctx, opts.port, time.Second, logger)
	if err != nil {
		return err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	logger.Info("Serving fake engine", "port", port)

	srv := &http.Server{
		Handler:           newEngineRouter(logger),
		ReadHeaderTimeout: 30 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	ready := time.NewTimer(opts.readyDelay)
	defer ready.Stop()

	for {
		select {
		case <-ready.C:
			logger.Info("Creating ready file", "path", opts.readyFile)
			if err := writeReadyFile(opts.readyFile, port); err != nil {
				srv.Close()
				return fmt.Errorf("write ready file: %w", err)
			}
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// runDisplay creates the display's ready file and idles until ctx ends,
// removing the file on the way out.
func runDisplay(ctx context.Context, readyFile string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(readyFile), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(readyFile, nil, 0o644); err != nil {
		return err
	}
	logger.Info("Fake display ready", "path", readyFile)
	<-ctx.Done()
	if err := os.Remove(readyFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
