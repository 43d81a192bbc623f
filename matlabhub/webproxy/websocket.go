package webproxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const controlWriteTimeout = 5 * time.Second

// serveWebSocket connects to the engine first and only then upgrades the
// client, so a dead engine still yields a plain 404.
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, target *url.URL) {
	traceID := uuid.New().String()
	logger := p.logger.With("trace_id", traceID, "path", r.URL.Path)

	wsURL := *target
	wsURL.Scheme = "wss"
	if target.Scheme == "http" {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = r.URL.Path
	wsURL.RawPath = r.URL.RawPath
	wsURL.RawQuery = r.URL.RawQuery

	header := http.Header{}
	for _, cookie := range r.Header.Values("Cookie") {
		header.Add("Cookie", cookie)
	}

	dialer := *p.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)
	backend, resp, err := dialer.DialContext(r.Context(), wsURL.String(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		p.metrics.ProxyError("websocket")
		logger.Warn("Failed to connect to engine websocket", "status", status, "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer backend.Close()

	var upgradeHeader http.Header
	if proto := backend.Subprotocol(); proto != "" {
		upgradeHeader = http.Header{"Sec-Websocket-Protocol": []string{proto}}
	}
	client, err := p.upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		// Upgrade has already replied to the client.
		p.metrics.ProxyError("websocket")
		logger.Warn("Failed to upgrade client connection", "error", err)
		return
	}
	defer client.Close()

	forwardControl(client, backend)
	forwardControl(backend, client)

	errc := make(chan error, 2)
	go relay(backend, client, errc)
	go relay(client, backend, errc)

	err = <-errc
	if err != nil && !isNormalClose(err) {
		logger.Debug("WebSocket relay ended", "error", err)
	}
}

// forwardControl relays pings and pongs read from src to dst.
func forwardControl(src, dst *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		err := dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(controlWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	src.SetPongHandler(func(data string) error {
		err := dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

// relay copies data frames from src to dst until src fails or closes. A
// close from src is passed on to dst with the same code. Frames with an
// unknown opcode make ReadMessage fail, which ends the relay.
func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			code, text := closeCode(err)
			dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text),
				time.Now().Add(controlWriteTimeout))
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
	}
}

// closeCode picks the close frame sent to the other side when a read fails.
func closeCode(err error) (int, string) {
	var closeErr *websocket.CloseError
	var netErr net.Error
	switch {
	case errors.As(err, &closeErr):
		if closeErr.Code == websocket.CloseAbnormalClosure {
			return websocket.CloseGoingAway, ""
		}
		return closeErr.Code, closeErr.Text
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &netErr):
		return websocket.CloseGoingAway, ""
	default:
		return websocket.CloseProtocolError, ""
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
