package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"remoted/internal/daemon"
	"remoted/internal/kernels"
	"remoted/internal/registry"
	"remoted/internal/storage"
	"remoted/internal/tensor"
	"remoted/internal/wire"
)

// fakeWorker executes requests with the local kernels on a scratch registry
// per call.
type fakeWorker struct {
	mu       sync.Mutex
	next     int
	sessions map[string]bool
}

func newFakeWorker() *fakeWorker { return &fakeWorker{sessions: make(map[string]bool)} }

func (w *fakeWorker) open() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	id := fmt.Sprintf("session-%d", w.next)
	w.sessions[id] = true
	return id
}

func (w *fakeWorker) close(id string) {
	w.mu.Lock()
	delete(w.sessions, id)
	w.mu.Unlock()
}

func (w *fakeWorker) execute(req *wire.ExecuteRequest) (*wire.ExecuteResponse, error) {
	w.mu.Lock()
	ok := w.sessions[req.Session]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %q", req.Session)
	}

	scratch := storage.NewRegistry(storage.Options{})
	defer scratch.Close()
	call, err := req.Call(func(_ int, meta tensor.Metadata, data []byte) (*tensor.Tensor, error) {
		h, err := scratch.Allocate(int64(len(data)), 0)
		if err != nil {
			return nil, err
		}
		block, err := scratch.Resolve(h)
		if err != nil {
			return nil, err
		}
		copy(block, data)
		meta.Handle = h
		return tensor.New(meta), nil
	})
	if err != nil {
		return nil, err
	}
	out, err := kernels.Run(scratch, call)
	if err != nil {
		return &wire.ExecuteResponse{Status: wire.StatusError, Error: err.Error()}, nil
	}
	payloads := make([]wire.Payload, 0, len(out))
	for _, t := range out {
		block, err := scratch.Resolve(t.Handle)
		if err != nil {
			return nil, err
		}
		m := tensor.Contiguous(t.Shape, t.DType, 0, 0)
		payloads = append(payloads, wire.Payload{Meta: wire.MetaOf(m), Data: t.Pack(block)})
	}
	return &wire.ExecuteResponse{Status: wire.StatusOK, Outputs: payloads}, nil
}

// fakeConn forwards to a fakeWorker unless exec is set.
type fakeConn struct {
	w        *fakeWorker
	sid      string
	exec     func(ctx context.Context, req *wire.ExecuteRequest) (*wire.ExecuteResponse, error)
	calls    atomic.Int32
	closed   atomic.Int32
	closeErr error
}

func (c *fakeConn) Execute(ctx context.Context, req *wire.ExecuteRequest) (*wire.ExecuteResponse, error) {
	c.calls.Add(1)
	if c.exec != nil {
		return c.exec(ctx, req)
	}
	req.Session = c.sid
	return c.w.execute(req)
}

func (c *fakeConn) Close(context.Context) error {
	c.closed.Add(1)
	c.w.close(c.sid)
	return c.closeErr
}

// fakeDialer hands out fakeConns and records every attempt.
type fakeDialer struct {
	mu       sync.Mutex
	w        *fakeWorker
	fail     int // number of upcoming dials to fail
	exec     func(ctx context.Context, req *wire.ExecuteRequest) (*wire.ExecuteResponse, error)
	closeErr error
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, registry.Identity, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{w: d.w, sid: d.w.open(), exec: d.exec, closeErr: d.closeErr}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fixture struct {
	devices *registry.Registry
	daemon  *daemon.Daemon
	dialer  *fakeDialer
	events  *MemoryPublisher
	mgr     *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithStorage(t, cfg, storage.Options{})
}

func newFixtureWithStorage(t *testing.T, cfg Config, opts storage.Options) *fixture {
	t.Helper()
	f := &fixture{
		devices: registry.New(),
		dialer:  &fakeDialer{w: newFakeWorker()},
		events:  NewMemoryPublisher(),
	}
	for _, acc := range []registry.Accelerator{registry.A100_40G, registry.H100} {
		if _, err := f.devices.Register(registry.NewIdentity(registry.ProviderModal, acc)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	f.daemon = daemon.New(storage.NewRegistry(opts), f.devices, daemon.Config{})
	cfg.Devices = f.devices
	cfg.Memory = f.daemon
	cfg.Dial = f.dialer.Dial
	cfg.Publisher = f.events
	f.mgr = New(cfg)
	t.Cleanup(func() {
		_ = f.mgr.Close(context.Background())
		_ = f.daemon.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) upload(t *testing.T, device int, shape []int64, values ...float64) *tensor.Tensor {
	t.Helper()
	m := tensor.Contiguous(shape, tensor.Float32, 0, device)
	out, err := f.daemon.Materialize(context.Background(), device, m, tensor.Encode(tensor.Float32, values))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return out
}

func (f *fixture) values(t *testing.T, x *tensor.Tensor) []float64 {
	t.Helper()
	data, err := f.daemon.Read(context.Background(), x)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m := tensor.Contiguous(x.Shape, x.DType, 0, 0)
	return m.Gather(data)
}

func mm(a, b *tensor.Tensor) *tensor.Call {
	return &tensor.Call{Op: "aten.mm.default", Args: []tensor.Value{tensor.TensorArg(a), tensor.TensorArg(b)}}
}

func payload(shape []int64, data []byte) wire.Payload {
	return wire.Payload{Meta: wire.MetaOf(tensor.Contiguous(shape, tensor.Float32, 0, 0)), Data: data}
}
