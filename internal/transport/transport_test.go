package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"remoted/internal/registry"
	"remoted/internal/tensor"
	"remoted/internal/transport"
	"remoted/internal/wire"
	"remoted/internal/worker"
)

func startWorker(t *testing.T) (*worker.Worker, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	w := worker.New(worker.Config{Name: "buf"})
	srv := transport.NewServer(w, zerolog.Nop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return w, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestOpenExecuteClose(t *testing.T) {
	w, dialer := startWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := transport.Dial(ctx, "passthrough:///bufnet", &wire.OpenRequest{Device: "modal-l4-12345678", Accelerator: "L4"}, dialer)
	require.NoError(t, err)
	require.Equal(t, "buf", c.Worker())
	require.NotEmpty(t, c.Session())
	require.Equal(t, 1, w.Sessions())

	x := tensor.New(tensor.Contiguous([]int64{3}, tensor.Float64, 1, 0))
	req, err := wire.NewExecuteRequest("", &tensor.Call{
		Op:   "add",
		Args: []tensor.Value{tensor.TensorArg(x), tensor.TensorArg(x)},
	}, func(*tensor.Tensor) ([]byte, error) {
		return tensor.Encode(tensor.Float64, []float64{1, 2, 3}), nil
	})
	require.NoError(t, err)

	resp, err := c.Execute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, resp.Status, resp.Error)
	require.Equal(t, tensor.Encode(tensor.Float64, []float64{2, 4, 6}), resp.Outputs[0].Data)

	require.NoError(t, c.Close(ctx))
	require.Equal(t, 0, w.Sessions())
}

func TestDialFailsWhenWorkerUnreachable(t *testing.T) {
	lis := bufconn.Listen(1024)
	require.NoError(t, lis.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := transport.Dial(ctx, "passthrough:///bufnet", &wire.OpenRequest{},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.Error(t, err)
}

func TestDialerSatisfiesSessionManager(t *testing.T) {
	w, dialer := startWorker(t)
	dial := transport.Dialer(dialer)

	id := registry.NewIdentity(registry.ProviderStatic, registry.T4)
	conn, err := dial(context.Background(), id, "passthrough:///bufnet")
	require.NoError(t, err)
	require.Equal(t, 1, w.Sessions())
	require.NoError(t, conn.Close(context.Background()))
	require.Equal(t, 0, w.Sessions())
}
