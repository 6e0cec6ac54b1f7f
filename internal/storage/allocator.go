package storage

import (
	"context"

	"github.com/rs/zerolog"
)

// Store is the set of memory mutations the allocator forwards. The execution
// daemon implements it so that allocator traffic is ordered with compute.
type Store interface {
	Allocate(ctx context.Context, device int, nbytes int64) (Handle, error)
	Free(ctx context.Context, h Handle) error
	Copy(ctx context.Context, dst, src Handle, nbytes int64) error
}

// AllocatorHook is the contract exposed to the host runtime's memory subsystem.
type AllocatorHook interface {
	Allocate(nbytes int64) (uintptr, error)
	RawFree(ptr uintptr) error
	Copy(dst, src uintptr, nbytes int64) error
}

// Allocator adapts a Store to AllocatorHook. Addresses it hands out are handle
// values; they are nominal and only meaningful to this package.
type Allocator struct {
	store   Store
	current func() int
	log     zerolog.Logger
}

var _ AllocatorHook = (*Allocator)(nil)

// NewAllocator binds store to the device chosen by current at call time.
func NewAllocator(store Store, current func() int, log zerolog.Logger) *Allocator {
	if current == nil {
		current = func() int { return 0 }
	}
	return &Allocator{store: store, current: current, log: log}
}

// Allocate reserves nbytes on the current device.
func (a *Allocator) Allocate(nbytes int64) (uintptr, error) {
	h, err := a.store.Allocate(context.Background(), a.current(), nbytes)
	if err != nil {
		return 0, err
	}
	return uintptr(h), nil
}

// RawFree is the deleter callback; ptr must come from Allocate.
func (a *Allocator) RawFree(ptr uintptr) error {
	if ptr == 0 {
		return nil
	}
	if err := a.store.Free(context.Background(), Handle(ptr)); err != nil {
		a.log.Error().Err(err).Uint64("handle", uint64(ptr)).Msg("raw free failed")
		return err
	}
	return nil
}

// Copy copies nbytes between two addresses issued by Allocate.
func (a *Allocator) Copy(dst, src uintptr, nbytes int64) error {
	return a.store.Copy(context.Background(), Handle(dst), Handle(src), nbytes)
}
