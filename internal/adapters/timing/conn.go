package timing

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live connection to the timing provider. Reads happen on a
// single goroutine; writes are serialized by the Manager.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens connections to the timing provider.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the provider over a websocket.
type WebsocketDialer struct {
	dialer       websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
}

// NewWebsocketDialer creates a dialer. apiKey, when set, is sent as a bearer
// token on the handshake.
func NewWebsocketDialer(apiKey string, handshakeTimeout time.Duration) *WebsocketDialer {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	return &WebsocketDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		header:       header,
		writeTimeout: 10 * time.Second,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{Conn: c, writeTimeout: d.writeTimeout}, nil
}

// wsConn bounds every write with a deadline so a stuck peer cannot hold the
// Manager's lock indefinitely.
type wsConn struct {
	*websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteJSON(v any) error {
	if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteJSON(v)
}
