package e2e

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"remoted/internal/policy"
	"remoted/internal/registry"
	"remoted/internal/session"
	"remoted/pkg/types"
)

func status(t *testing.T, e *env) types.StatusResponse {
	t.Helper()
	resp, body := httpGet(t, e.srv.URL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	return st
}

func TestE2E_RemoteMatmulOverGRPC(t *testing.T) {
	e := newEnv(t, false, registry.A100_40G)
	a := e.upload(t, 0, []int64{2, 3}, 1, 2, 3, 4, 5, 6)
	b := e.upload(t, 0, []int64{3, 2}, 7, 8, 9, 10, 11, 12)

	out, err := e.dispatch("aten.mm.default", a, b)
	if err != nil {
		t.Fatalf("mm: %v", err)
	}
	if got, want := e.values(t, out[0]), []float64{58, 64, 139, 154}; !reflect.DeepEqual(got, want) {
		t.Fatalf("mm = %v, want %v", got, want)
	}
	if e.worker.Sessions() != 1 {
		t.Fatalf("worker sessions = %d, want 1", e.worker.Sessions())
	}

	st := status(t, e)
	if len(st.Sessions) != 1 || st.Sessions[0].State != "ready" || st.Sessions[0].Calls != 1 || st.Sessions[0].Starts != 1 {
		t.Fatalf("unexpected sessions: %+v", st.Sessions)
	}
}

func TestE2E_StopThenRestart(t *testing.T) {
	e := newEnv(t, false, registry.H100)
	a := e.upload(t, 0, []int64{2, 2}, 1, 0, 0, 1)
	if _, err := e.dispatch("aten.mm.default", a, a); err != nil {
		t.Fatalf("first mm: %v", err)
	}

	resp, body := httpPost(t, e.srv.URL+"/sessions/0/stop", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop: %d %s", resp.StatusCode, body)
	}
	if e.worker.Sessions() != 0 {
		t.Fatalf("worker still holds %d sessions after stop", e.worker.Sessions())
	}
	if got := e.sessions.State(0); got != session.StateClosed {
		t.Fatalf("state after stop = %s", got)
	}

	out, err := e.dispatch("aten.mm.default", a, a)
	if err != nil {
		t.Fatalf("mm after stop: %v", err)
	}
	if got := e.values(t, out[0]); !reflect.DeepEqual(got, []float64{1, 0, 0, 1}) {
		t.Fatalf("mm after restart = %v", got)
	}
	if st := status(t, e); st.Sessions[0].Starts != 2 {
		t.Fatalf("starts = %d, want 2", st.Sessions[0].Starts)
	}
}

func TestE2E_CrossDeviceRejectedBeforeNetwork(t *testing.T) {
	e := newEnv(t, false, registry.T4, registry.L4)
	a := e.upload(t, 0, []int64{2, 2}, 1, 2, 3, 4)
	b := e.upload(t, 1, []int64{2, 2}, 1, 2, 3, 4)

	_, err := e.dispatch("aten.mm.default", a, b)
	if !registry.IsCrossDevice(err) {
		t.Fatalf("expected cross-device error, got %v", err)
	}
	if e.worker.Sessions() != 0 {
		t.Fatalf("cross-device call reached the worker")
	}
}

func TestE2E_RemoteInPlaceMutatesSelf(t *testing.T) {
	e := newEnv(t, false, registry.A100_40G)
	n := int(policy.DefaultThreshold/2 + 1)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	a := e.upload(t, 0, []int64{int64(n)}, ones...)
	b := e.upload(t, 0, []int64{int64(n)}, ones...)

	out, err := e.dispatch("aten.add_.Tensor", a, b)
	if err != nil {
		t.Fatalf("add_: %v", err)
	}
	if len(out) != 1 || out[0] != a {
		t.Fatalf("add_ must return self")
	}
	got := e.values(t, a)
	if got[0] != 2 || got[n-1] != 2 {
		t.Fatalf("self after add_ = [%v ... %v], want 2", got[0], got[n-1])
	}
	if st := status(t, e); len(st.Sessions) != 1 || st.Sessions[0].Calls != 1 {
		t.Fatalf("add_ did not run remotely: %+v", st.Sessions)
	}
}

func TestE2E_WorkerDownFallsBackLocally(t *testing.T) {
	e := newEnv(t, true, registry.L40S)
	e.grpc.Stop()
	a := e.upload(t, 0, []int64{2, 2}, 1, 2, 3, 4)

	out, err := e.dispatch("aten.mm.default", a, a)
	if err != nil {
		t.Fatalf("fallback mm: %v", err)
	}
	if got := e.values(t, out[0]); !reflect.DeepEqual(got, []float64{7, 10, 15, 22}) {
		t.Fatalf("fallback mm = %v", got)
	}
	if got := e.sessions.State(0); got != session.StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
}

func TestE2E_WorkerDownWithoutFallback(t *testing.T) {
	e := newEnv(t, false, registry.L40S)
	e.grpc.Stop()
	a := e.upload(t, 0, []int64{2, 2}, 1, 2, 3, 4)

	if _, err := e.dispatch("aten.mm.default", a, a); !session.IsRemoteUnavailable(err) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
}

func TestE2E_EventsStream(t *testing.T) {
	e := newEnv(t, false, registry.A10G)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for e.events.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a := e.upload(t, 0, []int64{2, 2}, 1, 2, 3, 4)
	if _, err := e.dispatch("aten.mm.default", a, a); err != nil {
		t.Fatalf("mm: %v", err)
	}

	var names []string
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(names) < 2 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v (got %v)", err, names)
		}
		var ev session.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("json: %v", err)
		}
		names = append(names, ev.Name)
	}
	if names[0] != session.EventStarting || names[1] != session.EventReady {
		t.Fatalf("events = %v", names)
	}
}

func TestE2E_RegisterDeviceAndDecide(t *testing.T) {
	e := newEnv(t, false, registry.T4)
	resp, body := httpPost(t, e.srv.URL+"/devices", []byte(`{"provider":"modal","accelerator":"B200"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.StatusCode, body)
	}
	var dev types.Device
	if err := json.Unmarshal(body, &dev); err != nil || dev.Index != 1 {
		t.Fatalf("device: %+v err=%v", dev, err)
	}

	resp, body = httpGet(t, e.srv.URL+"/policy/decide?op=aten.mm.default&elements=4")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", resp.StatusCode, body)
	}
	var dec types.DecisionResponse
	if err := json.Unmarshal(body, &dec); err != nil || dec.Route != "remote" {
		t.Fatalf("decision: %+v err=%v", dec, err)
	}

	resp, _ = httpPost(t, e.srv.URL+"/sessions/7/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop unknown device: %d", resp.StatusCode)
	}
}
