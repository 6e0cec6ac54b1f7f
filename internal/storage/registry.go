// Package storage issues opaque storage handles and binds them to host memory.
//
// A Handle stands in for a device address. The host runtime stores it where it
// would normally keep a pointer, and every access translates it back through the
// Registry. The value is never dereferenced.
package storage

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handle identifies one block of storage for as long as the block is live.
type Handle uint64

// Options tunes a Registry.
type Options struct {
	// CapacityBytes caps the live bytes per device. Zero means unlimited.
	CapacityBytes int64
	Logger        zerolog.Logger
}

type block struct {
	data   []byte
	device int
}

// Registry is the handle table. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	next     Handle
	blocks   map[Handle]*block
	used     map[int]int64
	capacity int64
	log      zerolog.Logger
}

// NewRegistry constructs an empty registry. Handles start at 1.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		next:     1,
		blocks:   make(map[Handle]*block),
		used:     make(map[int]int64),
		capacity: opts.CapacityBytes,
		log:      opts.Logger,
	}
}

// Allocate reserves a zeroed block of exactly nbytes on device and returns its handle.
func (r *Registry) Allocate(nbytes int64, device int) (Handle, error) {
	if nbytes < 0 {
		return 0, allocationError{device: device, nbytes: nbytes, reason: "negative size"}
	}
	if device < 0 {
		return 0, allocationError{device: device, nbytes: nbytes, reason: "invalid device index"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capacity > 0 && r.used[device]+nbytes > r.capacity {
		return 0, allocationError{
			device: device,
			nbytes: nbytes,
			reason: fmt.Sprintf("capacity %d exceeded (in use %d)", r.capacity, r.used[device]),
		}
	}
	h := r.next
	r.next++
	r.blocks[h] = &block{data: make([]byte, nbytes), device: device}
	r.used[device] += nbytes
	r.log.Debug().Uint64("handle", uint64(h)).Int64("nbytes", nbytes).Int("device", device).Msg("storage allocate")
	return h, nil
}

// Free retires h and releases its block. Freeing a handle twice is a contract
// violation and panics; a handle that was never issued yields HandleNotFound.
func (r *Registry) Free(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[h]
	if !ok {
		if h != 0 && h < r.next {
			r.log.Error().Uint64("handle", uint64(h)).Msg("storage double free")
			panic(fmt.Sprintf("storage: double free of handle %d", h))
		}
		return handleNotFoundError{h: h}
	}
	delete(r.blocks, h)
	r.used[b.device] -= int64(len(b.data))
	r.log.Debug().Uint64("handle", uint64(h)).Int("device", b.device).Msg("storage free")
	return nil
}

// Resolve returns the memory bound to h. The slice aliases the block and stays
// valid until h is freed; callers serialize access through the execution daemon.
func (r *Registry) Resolve(h Handle) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[h]
	if !ok {
		return nil, handleNotFoundError{h: h}
	}
	return b.data, nil
}

// Copy copies the first nbytes of src into dst.
func (r *Registry) Copy(dst, src Handle, nbytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.blocks[dst]
	if !ok {
		return handleNotFoundError{h: dst}
	}
	s, ok := r.blocks[src]
	if !ok {
		return handleNotFoundError{h: src}
	}
	if nbytes < 0 || nbytes > int64(len(d.data)) || nbytes > int64(len(s.data)) {
		return sizeMismatchError{nbytes: nbytes, dst: int64(len(d.data)), src: int64(len(s.data))}
	}
	copy(d.data[:nbytes], s.data[:nbytes])
	return nil
}

// Device returns the device index that issued h.
func (r *Registry) Device(h Handle) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[h]
	if !ok {
		return 0, handleNotFoundError{h: h}
	}
	return b.device, nil
}

// Size returns the size in bytes of the block bound to h.
func (r *Registry) Size(h Handle) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[h]
	if !ok {
		return 0, handleNotFoundError{h: h}
	}
	return int64(len(b.data)), nil
}

// Live returns the number of live handles.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}

// UsedBytes returns the live bytes held on device.
func (r *Registry) UsedBytes(device int) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.used[device]
}

// Close releases every block. Handles issued before Close are not reissued.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.blocks); n > 0 {
		r.log.Debug().Int("live", n).Msg("storage close releasing live blocks")
	}
	r.blocks = make(map[Handle]*block)
	r.used = make(map[int]int64)
}
