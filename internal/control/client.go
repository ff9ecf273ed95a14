package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/vmcore/internal/ipc"
)

// Client sends requests to a plane over its control socket.
type Client struct {
	conn *ipc.Client
}

func Dial(ctx context.Context, socketPath string) (*Client, error) {
	conn, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends req and returns the response. Errors reported by the plane are
// returned in Response.Err; the error result is for transport failures.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	body, err := c.conn.CallWithEncoder(ctx, uint16(req.Kind), func(enc *ipc.Encoder) {
		encodeRequest(enc, req)
	})

	var ipcErr *ipc.Error
	switch {
	case errors.As(err, &ipcErr):
		return Response{Err: &Error{Code: ipcErr.Code, Message: ipcErr.Message}}, nil
	case err != nil:
		return Response{}, err
	}

	resp, err := decodeResponse(req.Kind, ipc.NewDecoder(body))
	if err != nil {
		return Response{}, fmt.Errorf("control: decode %s response: %w", req.Kind, err)
	}
	return resp, nil
}
