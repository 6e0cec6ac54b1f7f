package transport

import (
	"context"

	"google.golang.org/grpc"

	"remoted/internal/registry"
	"remoted/internal/session"
	"remoted/internal/wire"
)

// Dialer returns a session.DialFunc that opens gRPC sessions.
func Dialer(opts ...grpc.DialOption) session.DialFunc {
	return func(ctx context.Context, id registry.Identity, endpoint string) (session.Conn, error) {
		c, err := Dial(ctx, endpoint, &wire.OpenRequest{
			Device:      id.String(),
			Accelerator: string(id.Accelerator),
		}, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
