package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"remoted/internal/config"
	"remoted/internal/registry"
	"remoted/internal/session"
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

func testConfig() config.Config {
	return config.Config{
		Devices: []config.DeviceSpec{
			{Provider: "modal", Accelerator: "A100-40GB", Endpoint: "gpu-a:7443"},
			{Provider: "static", Accelerator: "T4"},
		},
		Session: config.SessionConfig{DefaultEndpoint: "fallback:7443"},
	}.WithDefaults()
}

func TestBuildStackServesDevicesAndRunsRemote(t *testing.T) {
	w := worker.New(worker.Config{Name: "test"})
	var endpoints []string
	var dials atomic.Int32
	dial := func(ctx context.Context, id registry.Identity, endpoint string) (session.Conn, error) {
		dials.Add(1)
		endpoints = append(endpoints, endpoint)
		resp, err := w.Open(ctx, &wire.OpenRequest{Device: id.String()})
		if err != nil {
			return nil, err
		}
		return &workerConn{w: w, sid: resp.Session}, nil
	}
	st, err := buildStack(testConfig(), dial, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.shutdown(context.Background())) })

	rec := httptest.NewRecorder()
	st.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var devs types.DevicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devs))
	require.Len(t, devs.Devices, 2)
	require.Equal(t, "closed", devs.Devices[0].Session)

	ctx := context.Background()
	a, err := st.dispatcher.Upload(ctx, 0, []int64{2, 2}, tensor.Float32, tensor.Encode(tensor.Float32, []float64{1, 2, 3, 4}))
	require.NoError(t, err)
	out, err := st.dispatcher.Dispatch(ctx, "aten.mm.default", []tensor.Value{tensor.TensorArg(a), tensor.TensorArg(a)}, nil)
	require.NoError(t, err)
	data, err := st.dispatcher.Download(ctx, out[0])
	require.NoError(t, err)
	require.Equal(t, []float64{7, 10, 15, 22}, tensor.Contiguous(out[0].Shape, out[0].DType, 0, 0).Gather(data))
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, []string{"gpu-a:7443"}, endpoints)
	require.Equal(t, session.StateReady, st.sessions.State(0))
}

func TestBuildStackRejectsBadDevice(t *testing.T) {
	cfg := config.Config{Devices: []config.DeviceSpec{{Provider: "modal", Accelerator: "nope"}}}
	_, err := buildStack(cfg, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestEndpointTable(t *testing.T) {
	id := registry.NewIdentity(registry.ProviderModal, registry.H100)
	other := registry.NewIdentity(registry.ProviderModal, registry.H100)

	tbl := &endpointTable{byID: map[registry.Identity]string{}}
	_, err := tbl.resolve(id)
	require.Error(t, err)

	tbl.set(id, "a:1")
	ep, err := tbl.resolve(id)
	require.NoError(t, err)
	require.Equal(t, "a:1", ep)

	tbl.fallback = "b:2"
	ep, err = tbl.resolve(other)
	require.NoError(t, err)
	require.Equal(t, "b:2", ep)
}

func TestRestartLimit(t *testing.T) {
	require.Equal(t, rate.Limit(0), restartLimit(0))
	require.InDelta(t, 0.5, float64(restartLimit(30)), 1e-9)
	require.Equal(t, rate.Every(2*time.Second), restartLimit(30))
}

func TestShutdownAggregatesNothingWhenClean(t *testing.T) {
	st, err := buildStack(testConfig(), func(context.Context, registry.Identity, string) (session.Conn, error) {
		return nil, errors.New("unused")
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, st.shutdown(context.Background()))
}
