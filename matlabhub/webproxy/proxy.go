// Package webproxy forwards browser HTTP and WebSocket traffic to the
// engine's embedded web server.
package webproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// APIKeyHeader carries the secret shared between the proxy and the engine.
const APIKeyHeader = "mwapikey"

// Backend reports the port the engine currently listens on.
type Backend interface {
	Port() int
}

// Metrics receives proxy measurements.
type Metrics interface {
	ProxyRequest(kind string)
	ProxyError(kind string)
}

type noopMetrics struct{}

func (noopMetrics) ProxyRequest(kind string) {}
func (noopMetrics) ProxyError(kind string)   {}

// Config holds configuration options for the Proxy.
type Config struct {
	Backend Backend
	// Protocol is the engine's scheme, "https" or "http".
	Protocol      string
	APIKey        string
	CustomHeaders map[string]string
	Logger        *slog.Logger // Optional, defaults to slog.Default()
	Metrics       Metrics      // Optional
}

// Proxy is the http.Handler forwarding requests to the engine.
type Proxy struct {
	backend       Backend
	protocol      string
	apiKey        string
	customHeaders map[string]string
	logger        *slog.Logger
	metrics       Metrics

	transport *http.Transport
	reverse   *httputil.ReverseProxy
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
}

type targetKey struct{}

// New creates a Proxy. Certificate verification toward the engine is
// disabled; it serves a self-signed certificate on localhost.
func New(config Config) *Proxy {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	protocol := config.Protocol
	if protocol == "" {
		protocol = "https"
	}

	dialer := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 30 * time.Second,
		MaxIdleConnsPerHost: 16,
	}

	p := &Proxy{
		backend:       config.Backend,
		protocol:      protocol,
		apiKey:        config.APIKey,
		customHeaders: config.CustomHeaders,
		logger:        logger.With("component", "Proxy"),
		metrics:       metrics,
		transport:     transport,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			TLSClientConfig:  tlsConfig,
		},
	}
	p.reverse = &httputil.ReverseProxy{
		Director:       p.direct,
		Transport:      transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}
	return p
}

func (p *Proxy) target() *url.URL {
	return &url.URL{
		Scheme: p.protocol,
		Host:   net.JoinHostPort("localhost", strconv.Itoa(p.backend.Port())),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := p.target()
	if r.Method == http.MethodGet && websocket.IsWebSocketUpgrade(r) {
		p.metrics.ProxyRequest("websocket")
		p.serveWebSocket(w, r, target)
		return
	}

	p.metrics.ProxyRequest("http")
	if needsRewrite(r.Method, r.URL.Path) && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			p.handleError(w, r, fmt.Errorf("read request body: %w", err))
			return
		}
		if rewritten, ok := RewriteClientType(body); ok {
			body = rewritten
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	ctx := context.WithValue(r.Context(), targetKey{}, target)
	p.reverse.ServeHTTP(w, r.WithContext(ctx))
}

// direct points the outgoing request at the engine, keeping the original
// path and query.
func (p *Proxy) direct(req *http.Request) {
	target, _ := req.Context().Value(targetKey{}).(*url.URL)
	if target == nil {
		target = p.target()
	}
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.Header.Set("X-Forwarded-Proto", "http")
	req.Header.Set(APIKeyHeader, p.apiKey)
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	for key, value := range p.customHeaders {
		resp.Header.Set(key, value)
	}
	return nil
}

// handleError hides transport failures behind a 404.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := uuid.New().String()
	p.metrics.ProxyError("http")
	p.logger.Warn("Failed to forward request to engine",
		"trace_id", traceID, "method", r.Method, "path", r.URL.Path, "error", err)
	w.WriteHeader(http.StatusNotFound)
}
