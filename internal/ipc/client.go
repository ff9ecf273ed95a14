package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClientClosed = errors.New("ipc: client closed")

// Client is a connection to a control socket. Calls are serialized.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	closed atomic.Bool
	reqID  atomic.Uint64
}

// Dial connects to the control socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect to %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Call sends a request and waits for the response body. A MsgError response
// is returned as *Error.
func (c *Client) Call(ctx context.Context, msgType uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblocks the read below.
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	id := c.reqID.Add(1)
	if err := WriteMessage(c.conn, msgType, id, payload); err != nil {
		return nil, c.callError(ctx, "write request", err)
	}

	respType, respID, resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, c.callError(ctx, "read response", err)
	}
	if respID != id {
		return nil, fmt.Errorf("ipc: response for request %d while waiting for %d", respID, id)
	}

	switch respType {
	case MsgResponse:
		return resp, nil
	case MsgError:
		ipcErr, err := DecodeError(NewDecoder(resp))
		if err != nil {
			return nil, fmt.Errorf("ipc: decode error response: %w", err)
		}
		if ipcErr == nil {
			return nil, fmt.Errorf("ipc: error response without error code")
		}
		return nil, ipcErr
	default:
		return nil, fmt.Errorf("ipc: unexpected response type 0x%04x", respType)
	}
}

func (c *Client) callError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return fmt.Errorf("ipc: %s: %w", op, err)
}

// CallWithEncoder is a convenience method that uses an encoder for the request.
func (c *Client) CallWithEncoder(ctx context.Context, msgType uint16, encode func(*Encoder)) ([]byte, error) {
	enc := NewEncoder()
	encode(enc)
	return c.Call(ctx, msgType, enc.Bytes())
}
