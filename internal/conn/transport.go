package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the byte-frame duplex link under the connection manager. The
// production implementation wraps a websocket; tests substitute in-process
// fakes.
type Transport interface {
	// ReadMessage blocks for the next inbound frame. It returns an error
	// when the link is closed; that error is authoritative for liveness.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close tears the link down, unblocking any pending read.
	Close() error
}

// Dialer opens a Transport to the given endpoint.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// wsTransport adapts a gorilla websocket connection. Gorilla permits one
// concurrent writer, so writes are serialized here.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

var _ Transport = (*wsTransport)(nil)

// WebSocketDialer builds the production Dialer.
func WebSocketDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, endpoint string) (Transport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		c, _, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
		}
		return &wsTransport{conn: c}, nil
	}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	t.writeMu.Unlock()
	return t.conn.Close()
}
