package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"remoted/internal/wire"
)

// Client is one open session with a worker.
type Client struct {
	cc      *grpc.ClientConn
	target  string
	session string
	worker  string
}

// Dial connects to target and opens a session for device. The connection is
// forced by the Open call, so an unreachable worker fails here.
func Dial(ctx context.Context, target string, open *wire.OpenRequest, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
	}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	resp := new(wire.OpenResponse)
	if err := cc.Invoke(ctx, methodOpen, open, resp); err != nil {
		_ = cc.Close()
		return nil, fmt.Errorf("open session on %s: %w", target, err)
	}
	return &Client{cc: cc, target: target, session: resp.Session, worker: resp.Worker}, nil
}

// Session is the id assigned by the worker.
func (c *Client) Session() string { return c.session }

// Worker is the worker's self-reported name.
func (c *Client) Worker() string { return c.worker }

// Execute sends req on this session.
func (c *Client) Execute(ctx context.Context, req *wire.ExecuteRequest) (*wire.ExecuteResponse, error) {
	req.Session = c.session
	resp := new(wire.ExecuteResponse)
	if err := c.cc.Invoke(ctx, methodExecute, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close ends the session and the connection. The connection is closed even
// when the worker cannot be told.
func (c *Client) Close(ctx context.Context) error {
	err := c.cc.Invoke(ctx, methodClose, &wire.CloseRequest{Session: c.session}, new(wire.CloseResponse))
	if cerr := c.cc.Close(); err == nil {
		err = cerr
	}
	return err
}
