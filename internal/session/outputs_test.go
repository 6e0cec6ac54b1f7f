package session

import (
	"context"
	"testing"

	"remoted/internal/storage"
	"remoted/internal/tensor"
	"remoted/internal/wire"
)

func addInPlace(self, other *tensor.Tensor) *tensor.Call {
	return &tensor.Call{Op: "aten.add_.Tensor", Args: []tensor.Value{tensor.TensorArg(self), tensor.TensorArg(other)}}
}

func TestInPlaceOpWritesBackIntoSelf(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.upload(t, 0, []int64{2}, 1, 2)
	b := f.upload(t, 0, []int64{2}, 10, 20)
	live := f.daemon.Registry().Live()

	out, err := f.mgr.Execute(context.Background(), 0, addInPlace(a, b))
	if err != nil {
		t.Fatalf("add_: %v", err)
	}
	if len(out) != 1 || out[0] != a {
		t.Fatalf("in-place op must return self, got %+v", out)
	}
	if got := f.values(t, a); got[0] != 11 || got[1] != 22 {
		t.Fatalf("self after add_ = %v, want [11 22]", got)
	}
	if n := f.daemon.Registry().Live(); n != live {
		t.Fatalf("in-place op allocated: live %d -> %d", live, n)
	}
}

func TestInPlaceOpWritesThroughStridedView(t *testing.T) {
	f := newFixture(t, Config{})
	x := f.upload(t, 0, []int64{2, 2}, 1, 2, 3, 4)
	ones := f.upload(t, 0, []int64{2}, 1, 1)
	col := tensor.New(x.Metadata)
	col.Shape, col.Stride, col.Offset = []int64{2}, []int64{2}, 1

	if _, err := f.mgr.Execute(context.Background(), 0, addInPlace(col, ones)); err != nil {
		t.Fatalf("add_: %v", err)
	}
	got := f.values(t, x)
	want := []float64{1, 3, 3, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("base after add_ on column = %v, want %v", got, want)
		}
	}
}

func TestInPlaceOutputMustFitSelf(t *testing.T) {
	f := newFixture(t, Config{})
	f.dialer.exec = func(context.Context, *wire.ExecuteRequest) (*wire.ExecuteResponse, error) {
		return &wire.ExecuteResponse{Status: wire.StatusOK, Outputs: []wire.Payload{
			payload([]int64{3}, tensor.Encode(tensor.Float32, []float64{1, 2, 3})),
		}}, nil
	}
	a := f.upload(t, 0, []int64{2}, 1, 2)

	_, err := f.mgr.Execute(context.Background(), 0, addInPlace(a, a))
	if !IsRemoteExecution(err) {
		t.Fatalf("expected remote execution error, got %v", err)
	}
	if got := f.values(t, a); got[0] != 1 || got[1] != 2 {
		t.Fatalf("self modified by rejected output: %v", got)
	}
}

func TestMalformedOutputFailsSessionBeforeStoring(t *testing.T) {
	f := newFixture(t, Config{})
	f.dialer.exec = func(context.Context, *wire.ExecuteRequest) (*wire.ExecuteResponse, error) {
		return &wire.ExecuteResponse{Status: wire.StatusOK, Outputs: []wire.Payload{
			payload([]int64{2, 2}, make([]byte, 16)),
			payload([]int64{4}, make([]byte, 3)),
		}}, nil
	}
	a := f.upload(t, 0, []int64{2, 2}, 1, 2, 3, 4)
	live := f.daemon.Registry().Live()

	_, err := f.mgr.Execute(context.Background(), 0, mm(a, a))
	if !IsRemoteExecution(err) {
		t.Fatalf("expected remote execution error, got %v", err)
	}
	if f.mgr.State(0) != StateFailed {
		t.Fatalf("expected failed, got %s", f.mgr.State(0))
	}
	if n := f.daemon.Registry().Live(); n != live {
		t.Fatalf("outputs leaked: live %d -> %d", live, n)
	}
}

func TestFailedMaterializeFreesEarlierOutputs(t *testing.T) {
	f := newFixtureWithStorage(t, Config{}, storage.Options{CapacityBytes: 40})
	f.dialer.exec = func(context.Context, *wire.ExecuteRequest) (*wire.ExecuteResponse, error) {
		return &wire.ExecuteResponse{Status: wire.StatusOK, Outputs: []wire.Payload{
			payload([]int64{4}, make([]byte, 16)),
			payload([]int64{8}, make([]byte, 32)),
		}}, nil
	}
	a := f.upload(t, 0, []int64{1}, 1)
	live := f.daemon.Registry().Live()

	_, err := f.mgr.Execute(context.Background(), 0, mm(a, a))
	if !storage.IsAllocationFailure(err) {
		t.Fatalf("expected allocation failure, got %v", err)
	}
	if n := f.daemon.Registry().Live(); n != live {
		t.Fatalf("outputs leaked: live %d -> %d", live, n)
	}
	if used := f.daemon.Registry().UsedBytes(0); used != 4 {
		t.Fatalf("used bytes %d, want 4", used)
	}
}
