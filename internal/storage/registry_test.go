package storage

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
)

func TestAllocateHandlesAreUniqueAndNonZero(t *testing.T) {
	r := NewRegistry(Options{})
	rng := rand.New(rand.NewSource(7))
	live := map[Handle]bool{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for h := range live {
				if err := r.Free(h); err != nil {
					t.Fatalf("free %d: %v", h, err)
				}
				delete(live, h)
				if _, err := r.Resolve(h); !IsHandleNotFound(err) {
					t.Fatalf("resolve after free: expected not found, got %v", err)
				}
				break
			}
			continue
		}
		h, err := r.Allocate(int64(rng.Intn(64)), rng.Intn(3))
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if h == 0 {
			t.Fatalf("zero handle issued")
		}
		if live[h] {
			t.Fatalf("handle %d issued twice while live", h)
		}
		live[h] = true
	}
	if r.Live() != len(live) {
		t.Fatalf("live=%d want %d", r.Live(), len(live))
	}
}

func TestCopyScenario(t *testing.T) {
	r := NewRegistry(Options{})
	dst, err := r.Allocate(1024, 0)
	if err != nil {
		t.Fatalf("allocate dst: %v", err)
	}
	src, err := r.Allocate(1024, 0)
	if err != nil {
		t.Fatalf("allocate src: %v", err)
	}
	pattern, _ := r.Resolve(src)
	for i := range pattern {
		pattern[i] = byte(i * 31)
	}
	if err := r.Copy(dst, src, 1024); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, err := r.Resolve(dst)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("copied bytes differ")
	}
}

func TestCopyErrors(t *testing.T) {
	r := NewRegistry(Options{})
	small, _ := r.Allocate(8, 0)
	big, _ := r.Allocate(16, 0)
	if err := r.Copy(small, big, 16); !IsSizeMismatch(err) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	if err := r.Copy(small, Handle(999), 4); !IsHandleNotFound(err) {
		t.Fatalf("expected not found for src, got %v", err)
	}
	if err := r.Copy(Handle(999), small, 4); !IsHandleNotFound(err) {
		t.Fatalf("expected not found for dst, got %v", err)
	}
}

func TestFreeTwicePanics(t *testing.T) {
	r := NewRegistry(Options{Logger: zerolog.Nop()})
	h, _ := r.Allocate(4, 0)
	if err := r.Free(h); err != nil {
		t.Fatalf("free: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	_ = r.Free(h)
}

func TestFreeUnknownHandle(t *testing.T) {
	r := NewRegistry(Options{})
	if err := r.Free(42); !IsHandleNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCapacityExhaustion(t *testing.T) {
	r := NewRegistry(Options{CapacityBytes: 100})
	h, err := r.Allocate(60, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := r.Allocate(60, 1); !IsAllocationFailure(err) {
		t.Fatalf("expected allocation failure, got %v", err)
	}
	// other devices have their own budget
	if _, err := r.Allocate(60, 2); err != nil {
		t.Fatalf("allocate on device 2: %v", err)
	}
	_ = r.Free(h)
	if _, err := r.Allocate(60, 1); err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if got := r.UsedBytes(1); got != 60 {
		t.Fatalf("used=%d want 60", got)
	}
}

// registryStore adapts a Registry to Store for allocator tests.
type registryStore struct{ r *Registry }

func (s registryStore) Allocate(_ context.Context, device int, nbytes int64) (Handle, error) {
	return s.r.Allocate(nbytes, device)
}
func (s registryStore) Free(_ context.Context, h Handle) error { return s.r.Free(h) }
func (s registryStore) Copy(_ context.Context, dst, src Handle, n int64) error {
	return s.r.Copy(dst, src, n)
}

func TestAllocatorTranslatesAddresses(t *testing.T) {
	r := NewRegistry(Options{})
	dev := 3
	a := NewAllocator(registryStore{r}, func() int { return dev }, zerolog.Nop())
	p, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if d, err := r.Device(Handle(p)); err != nil || d != 3 {
		t.Fatalf("device=%d err=%v", d, err)
	}
	q, _ := a.Allocate(32)
	buf, _ := r.Resolve(Handle(q))
	copy(buf, []byte("remote"))
	if err := a.Copy(p, q, 32); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, _ := r.Resolve(Handle(p))
	if string(got[:6]) != "remote" {
		t.Fatalf("got %q", got[:6])
	}
	if err := a.RawFree(p); err != nil {
		t.Fatalf("raw free: %v", err)
	}
	if _, err := r.Resolve(Handle(p)); !IsHandleNotFound(err) {
		t.Fatalf("expected freed handle, got %v", err)
	}
	if err := a.RawFree(0); err != nil {
		t.Fatalf("raw free of null: %v", err)
	}
}
