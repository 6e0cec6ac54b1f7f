package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"remoted/internal/daemon"
	"remoted/internal/registry"
	"remoted/internal/session"
	"remoted/internal/storage"
	"remoted/internal/tensor"
	"remoted/internal/wire"
	"remoted/internal/worker"
	"remoted/pkg/types"
)

type workerConn struct {
	w   *worker.Worker
	sid string
}

func (c *workerConn) Execute(ctx context.Context, req *wire.ExecuteRequest) (*wire.ExecuteResponse, error) {
	req.Session = c.sid
	return c.w.Execute(ctx, req)
}

func (c *workerConn) Close(ctx context.Context) error {
	_, err := c.w.Close(ctx, &wire.CloseRequest{Session: c.sid})
	return err
}

type harness struct {
	d     *Dispatcher
	devs  *registry.Registry
	dials atomic.Int32
}

func newHarness(t *testing.T, unreachable, fallback bool) *harness {
	t.Helper()
	h := &harness{devs: registry.New()}
	for _, acc := range []registry.Accelerator{registry.A10G, registry.L40S} {
		_, err := h.devs.Register(registry.NewIdentity(registry.ProviderModal, acc))
		require.NoError(t, err)
	}
	dm := daemon.New(storage.NewRegistry(storage.Options{}), h.devs, daemon.Config{})
	w := worker.New(worker.Config{})
	mgr := session.New(session.Config{
		Devices: h.devs,
		Memory:  dm,
		Dial: func(ctx context.Context, id registry.Identity, _ string) (session.Conn, error) {
			h.dials.Add(1)
			if unreachable {
				return nil, errors.New("no route to worker")
			}
			resp, err := w.Open(ctx, &wire.OpenRequest{Device: id.String()})
			if err != nil {
				return nil, err
			}
			return &workerConn{w: w, sid: resp.Session}, nil
		},
	})
	t.Cleanup(func() {
		_ = mgr.Close(context.Background())
		_ = dm.Shutdown(context.Background())
	})
	h.d = New(Config{Devices: h.devs, Daemon: dm, Remote: mgr, AllowLocalFallback: fallback})
	return h
}

func (h *harness) upload(t *testing.T, device int, shape []int64, values ...float64) *tensor.Tensor {
	t.Helper()
	x, err := h.d.Upload(context.Background(), device, shape, tensor.Float32, tensor.Encode(tensor.Float32, values))
	require.NoError(t, err)
	return x
}

func (h *harness) values(t *testing.T, x *tensor.Tensor) []float64 {
	t.Helper()
	data, err := h.d.Download(context.Background(), x)
	require.NoError(t, err)
	return tensor.Contiguous(x.Shape, x.DType, 0, 0).Gather(data)
}

func args(vs ...any) []tensor.Value {
	out := make([]tensor.Value, len(vs))
	for i, v := range vs {
		switch v := v.(type) {
		case *tensor.Tensor:
			out[i] = tensor.TensorArg(v)
		case []int64:
			out[i] = tensor.IntsArg(v...)
		case int:
			out[i] = tensor.IntArg(int64(v))
		}
	}
	return out
}

func TestSmallElementwiseRunsLocally(t *testing.T) {
	h := newHarness(t, false, false)
	a := h.upload(t, 0, []int64{10}, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	out, err := h.d.Dispatch(context.Background(), "aten.add.Tensor", args(a, a), nil)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}, h.values(t, out[0]))
	require.Zero(t, h.dials.Load(), "local op must not touch the network")
}

func TestMatmulRunsRemotely(t *testing.T) {
	h := newHarness(t, false, false)
	a := h.upload(t, 1, []int64{2, 2}, 1, 2, 3, 4)

	out, err := h.d.Dispatch(context.Background(), "aten.mm.default", args(a, a), nil)
	require.NoError(t, err)
	require.Equal(t, 1, out[0].Device)
	require.Equal(t, []float64{7, 10, 15, 22}, h.values(t, out[0]))
	require.Equal(t, int32(1), h.dials.Load())
}

func TestCrossDeviceRejected(t *testing.T) {
	h := newHarness(t, false, false)
	a := h.upload(t, 0, []int64{2, 2}, 1, 2, 3, 4)
	b := h.upload(t, 1, []int64{2, 2}, 1, 2, 3, 4)

	_, err := h.d.Dispatch(context.Background(), "mm", args(a, b), nil)
	require.True(t, registry.IsCrossDevice(err))
	_, err = h.d.Dispatch(context.Background(), "add", args(a, b), nil)
	require.True(t, registry.IsCrossDevice(err))
	require.Zero(t, h.dials.Load())
}

func TestViewOpsShareStorage(t *testing.T) {
	h := newHarness(t, false, false)
	a := h.upload(t, 0, []int64{2, 3}, 1, 2, 3, 4, 5, 6)

	out, err := h.d.Dispatch(context.Background(), "aten.view.default", args(a, []int64{3, -1}), nil)
	require.NoError(t, err)
	v := out[0]
	require.Equal(t, a.Handle, v.Handle)
	require.Equal(t, []int64{3, 2}, v.Shape)

	out, err = h.d.Dispatch(context.Background(), "as_strided", args(a, []int64{3, 2}, []int64{1, 3}), nil)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 4, 2, 5, 3, 6}, h.values(t, out[0]))

	_, err = h.d.Dispatch(context.Background(), "view", args(out[0], []int64{6}), nil)
	require.Error(t, err, "non-contiguous input cannot be viewed")
	_, err = h.d.Dispatch(context.Background(), "view", args(a, []int64{4}), nil)
	require.Error(t, err)
	_, err = h.d.Dispatch(context.Background(), "as_strided", args(a, []int64{7}, []int64{1}), nil)
	require.Error(t, err, "view past the end of storage")

	// In-place through a view mutates the base.
	_, err = h.d.Dispatch(context.Background(), "mul_", args(v, 2), nil)
	require.NoError(t, err)
	require.Equal(t, []float64{2, 4, 6, 8, 10, 12}, h.values(t, a))
	require.Zero(t, h.dials.Load())
}

func TestOpWithoutLocalKernelEscalates(t *testing.T) {
	h := newHarness(t, false, false)
	a := h.upload(t, 0, []int64{2}, 1, 2)

	_, err := h.d.Dispatch(context.Background(), "aten.sigmoid.default", args(a), nil)
	// The reference worker has no kernel either; what matters is that it was asked.
	require.True(t, session.IsRemoteExecution(err))
	require.Equal(t, int32(1), h.dials.Load())
}

func TestLocalFallbackWhenRemoteUnavailable(t *testing.T) {
	h := newHarness(t, true, true)
	a := h.upload(t, 0, []int64{2, 2}, 1, 2, 3, 4)

	out, err := h.d.Dispatch(context.Background(), "sum", args(a), nil)
	require.NoError(t, err)
	require.Equal(t, []float64{10}, h.values(t, out[0]))
	require.Equal(t, int32(1), h.dials.Load())

	strict := newHarness(t, true, false)
	b := strict.upload(t, 0, []int64{1}, 1)
	_, err = strict.d.Dispatch(context.Background(), "sum", args(b), nil)
	require.True(t, session.IsRemoteUnavailable(err))
}

func TestFactoryOpUsesCurrentDevice(t *testing.T) {
	h := newHarness(t, false, false)
	require.NoError(t, h.d.SetDevice(1))
	require.Equal(t, 1, h.d.CurrentDevice(context.Background()))
	require.Equal(t, 2, h.d.DeviceCount())
	require.True(t, h.d.IsAvailable())

	ptr, err := h.d.Allocator().Allocate(64)
	require.NoError(t, err)
	dev, err := h.d.daemon.Registry().Device(storage.Handle(ptr))
	require.NoError(t, err)
	require.Equal(t, 1, dev)
	require.NoError(t, h.d.Allocator().RawFree(ptr))

	ctx := registry.WithDevice(context.Background(), 0)
	require.Equal(t, 0, h.d.CurrentDevice(ctx))
}

func TestServiceViews(t *testing.T) {
	h := newHarness(t, false, false)
	dev, err := h.d.RegisterDevice(context.Background(), types.RegisterDeviceRequest{Provider: "modal", Accelerator: "B200"})
	require.NoError(t, err)
	require.Equal(t, 2, dev.Index)
	require.Equal(t, "closed", dev.Session)

	_, err = h.d.RegisterDevice(context.Background(), types.RegisterDeviceRequest{Provider: "modal", Accelerator: "TPU"})
	require.Error(t, err)

	list := h.d.Devices(context.Background())
	require.Len(t, list.Devices, 3)
	require.Equal(t, "Modal B200", list.Devices[2].Name)

	dec := h.d.Decide("matmul", 10000)
	require.Equal(t, "remote", dec.Route)

	a := h.upload(t, 0, []int64{1, 1}, 2)
	_, err = h.d.Dispatch(context.Background(), "mm", args(a, a), nil)
	require.NoError(t, err)
	st := h.d.Status()
	require.Len(t, st.Sessions, 1)
	require.Equal(t, "ready", st.Sessions[0].State)
	require.NoError(t, h.d.StopSession(context.Background(), 0))
	require.True(t, registry.IsUnknownDevice(h.d.StopSession(context.Background(), 42)))
}
