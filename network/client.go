package network

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one open bidirectional chat socket.
type Transport interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, payload []byte) error
	Close() error
}

// Dialer opens a Transport to a fully addressed endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, endpointURL string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpointURL string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpointURL string) (Transport, error) {
	return f(ctx, endpointURL)
}

// WebsocketDialer dials the chat gateway with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// Header is sent with the upgrade request (for example a client id).
	Header http.Header
}

// Dial performs the websocket upgrade.
func (d WebsocketDialer) Dial(ctx context.Context, endpointURL string) (Transport, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshake)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpointURL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %q: %w (status %d)", endpointURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %q: %w", endpointURL, err)
	}
	conn.SetReadLimit(MaxFrameSize)

	return &websocketTransport{conn: conn, writeTimeout: writeTimeout}, nil
}

type websocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *websocketTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *websocketTransport) WriteMessage(messageType int, payload []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(messageType, payload)
}

// Close sends a close frame on a best-effort basis and releases the socket.
func (t *websocketTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return t.conn.Close()
}

// isNormalClose reports whether err is the peer closing the socket cleanly.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
