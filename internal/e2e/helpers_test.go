// Package e2e runs the full device stack against a real gRPC worker on loopback.
package e2e

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"remoted/internal/daemon"
	"remoted/internal/dispatch"
	"remoted/internal/httpapi"
	"remoted/internal/policy"
	"remoted/internal/registry"
	"remoted/internal/session"
	"remoted/internal/storage"
	"remoted/internal/tensor"
	"remoted/internal/transport"
	"remoted/internal/worker"
)

type env struct {
	srv      *httptest.Server
	disp     *dispatch.Dispatcher
	sessions *session.Manager
	events   *httpapi.Broadcaster
	worker   *worker.Worker
	grpc     *grpc.Server
	addr     string
}

// startWorker serves a reference worker on 127.0.0.1:0.
func startWorker(t *testing.T) (*worker.Worker, *grpc.Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	w := worker.New(worker.Config{Name: "e2e"})
	gs := transport.NewServer(w, zerolog.Nop())
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return w, gs, lis.Addr().String()
}

// newEnv registers one device per accelerator, all served by one worker.
func newEnv(t *testing.T, fallback bool, accels ...registry.Accelerator) *env {
	t.Helper()
	e := &env{}
	e.worker, e.grpc, e.addr = startWorker(t)

	devs := registry.New()
	for _, a := range accels {
		if _, err := devs.Register(registry.NewIdentity(registry.ProviderStatic, a)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	dm := daemon.New(storage.NewRegistry(storage.Options{}), devs, daemon.Config{})
	e.events = httpapi.NewBroadcaster(zerolog.Nop())
	e.sessions = session.New(session.Config{
		Devices:   devs,
		Memory:    dm,
		Dial:      transport.Dialer(),
		Endpoint:  func(registry.Identity) (string, error) { return e.addr, nil },
		Publisher: e.events,
	})
	e.disp = dispatch.New(dispatch.Config{
		Devices:            devs,
		Daemon:             dm,
		Remote:             e.sessions,
		Policy:             policy.Default(),
		AllowLocalFallback: fallback,
	})
	e.srv = httptest.NewServer(httpapi.NewMux(e.disp, e.events))
	t.Cleanup(func() {
		e.srv.Close()
		e.events.Close()
		_ = e.sessions.Close(context.Background())
		_ = dm.Shutdown(context.Background())
	})
	return e
}

func (e *env) upload(t *testing.T, device int, shape []int64, values ...float64) *tensor.Tensor {
	t.Helper()
	x, err := e.disp.Upload(context.Background(), device, shape, tensor.Float32, tensor.Encode(tensor.Float32, values))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return x
}

func (e *env) values(t *testing.T, x *tensor.Tensor) []float64 {
	t.Helper()
	data, err := e.disp.Download(context.Background(), x)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	return tensor.Contiguous(x.Shape, x.DType, 0, 0).Gather(data)
}

func (e *env) dispatch(op string, xs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	args := make([]tensor.Value, len(xs))
	for i, x := range xs {
		args[i] = tensor.TensorArg(x)
	}
	return e.disp.Dispatch(context.Background(), op, args, nil)
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return do(t, req)
}

func httpPost(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
