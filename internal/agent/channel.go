package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is one open push channel.
type Channel interface {
	// ReadMessage blocks for the next message; any error ends the channel.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// WebSocketDialer dials push channels over WebSocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer // nil uses a default with a 10s handshake timeout
	Header http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Channel, error) {
	wd := d.Dialer
	if wd == nil {
		wd = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	conn, resp, err := wd.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return wsChannel{conn}, nil
}

type wsChannel struct{ conn *websocket.Conn }

func (c wsChannel) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c wsChannel) Close() error { return c.conn.Close() }
