package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultWriteWait is the time allowed to write a message to the peer.
	DefaultWriteWait = 10 * time.Second

	// DefaultMaxMessageSize bounds inbound frames. Citation frames can be large.
	DefaultMaxMessageSize = 4 << 20
)

// WebSocketDialer dials the chat endpoint with gorilla/websocket.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// chat endpoint.
	URL string

	Header           http.Header
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
}

// NewWebSocketDialer creates a dialer for the given endpoint.
func NewWebSocketDialer(endpoint string) (*WebSocketDialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse chat endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("chat endpoint must use ws or wss, got %q", u.Scheme)
	}
	return &WebSocketDialer{
		URL:              u.String(),
		HandshakeTimeout: DefaultDialTimeout,
		WriteWait:        DefaultWriteWait,
		MaxMessageSize:   DefaultMaxMessageSize,
	}, nil
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	if d.MaxMessageSize > 0 {
		conn.SetReadLimit(d.MaxMessageSize)
	}
	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	return &wsConn{conn: conn, writeWait: writeWait}, nil
}

// wsConn adapts a *websocket.Conn to Conn.
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame on a best-effort basis and closes the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// ChatEndpoint turns an http(s) base URL into the ws(s) chat endpoint.
func ChatEndpoint(baseURL, chatPath string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", baseURL)
	}

	u.Path = joinPath(u.Path, chatPath)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func joinPath(base, p string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if p == "" {
		return base
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return base + p
}
