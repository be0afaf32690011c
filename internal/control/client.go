package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/idiehl/hyperdesk/internal/protocol"
)

// ErrNotConnected indicates a client operation before Connect.
var ErrNotConnected = errors.New("control client not connected")

// Client is the peer-side control connection. It maintains exactly one
// WebSocket to a daemon's control URL (ws://host:port/).
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a disconnected client.
func NewClient() *Client {
	return &Client{}
}

// Connect dials the control URL.
func (c *Client) Connect(ctx context.Context, uri string) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial control %s: %w", uri, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Send encodes and writes one control message. The request id may be empty.
func (c *Client) Send(t protocol.MessageType, payload map[string]any, requestID string) error {
	frame, err := protocol.Encode(t, payload, requestID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// Recv blocks for the next inbound frame and decodes it.
func (c *Client) Recv() (protocol.Message, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return protocol.Message{}, ErrNotConnected
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("read control frame: %w", err)
	}
	return protocol.Decode(raw)
}

// Disconnect closes the connection. Safe on a disconnected client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close control connection: %w", err)
	}
	return nil
}
