package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngineRoutes(t *testing.T) {
	srv := httptest.NewServer(newEngineRouter(discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/index-jsd-cr.html")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Fake MATLAB Web Desktop")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/http_get_request.html"},
		{http.MethodPost, "/http_post_request.html/abc/messageservice/json/secure"},
		{http.MethodPut, "/http_put_request.html"},
		{http.MethodDelete, "/http_delete_request.html"},
	} {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader("payload-"+tc.method))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, tc.path)
		assert.Equal(t, "payload-"+tc.method, string(body), tc.path)
	}
}

func TestEngineWebSocketGreeting(t *testing.T) {
	srv := httptest.NewServer(newEngineRouter(discardLogger()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/http_ws_request.html/", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "Hello world", string(data))
}

func TestRunEngineWritesPortAfterDelay(t *testing.T) {
	readyFile := filepath.Join(t.TempDir(), "connector.securePort")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runEngine(ctx, engineOptions{
			readyFile:  readyFile,
			readyDelay: 50 * time.Millisecond,
			port:       0,
			stderr:     io.Discard,
		}, discardLogger())
	}()

	var port int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(readyFile)
		if err != nil {
			return false
		}
		port, err = strconv.Atoi(string(data))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/index-jsd-cr.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRunEngineBrokenLicense(t *testing.T) {
	var stderr bytes.Buffer
	err := runEngine(context.Background(), engineOptions{
		readyFile: filepath.Join(t.TempDir(), "ready"),
		license:   brokenLicense,
		stderr:    &stderr,
	}, discardLogger())
	assert.ErrorIs(t, err, errLicenseCheckout)
	assert.Equal(t, "License checkout failed\nInvalid NLM Connection String\nDiagnostic Information\n", stderr.String())
}

func TestRunDisplay(t *testing.T) {
	readyFile := filepath.Join(t.TempDir(), ".X11-unix", "X1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDisplay(ctx, readyFile, discardLogger()) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(readyFile)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, err := os.Stat(readyFile)
	assert.True(t, os.IsNotExist(err))
}
