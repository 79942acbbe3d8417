package ws

import (
	"fmt"
	"sync"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Client represents one connected replica.
type Client struct {
	ID     string
	UserID string
	conn   Conn

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a new client wrapper.
func NewClient(id, userID string, conn Conn) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
	}
}

// Send writes a message. Concurrent callers are serialized.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.WriteJSON(msg)
}

// SendPayload wraps payload in an envelope and sends it.
func (c *Client) SendPayload(kind Kind, docID string, payload any) error {
	msg, err := NewMessage(kind, docID, payload)
	if err != nil {
		return err
	}

	return c.Send(msg)
}

// SendError sends an error message to the client.
func (c *Client) SendError(docID, code, message string) error {
	return c.SendPayload(KindError, docID, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// Receive reads the next message. Messages of unknown kind are returned
// together with ErrUnknownKind so the caller can report them and go on.
func (c *Client) Receive() (Message, error) {
	var msg Message

	if err := c.conn.ReadJSON(&msg); err != nil {
		return Message{}, err
	}

	if !msg.Kind.Valid() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}

	return msg, nil
}

// Close closes the client connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}
