// Package registry tracks logical devices and maps the host runtime's small
// integer device indices onto device identities.
package registry

import (
	"context"
	"sync"
)

// DeviceRef is anything that lives on a device index, typically a tensor.
type DeviceRef interface {
	DeviceIndex() int
}

// Record is a read-only view of one registered device.
type Record struct {
	Index    int
	Identity Identity
	Released bool
}

// Registry assigns device indices append-only: an index is never recycled for
// the life of the Registry, even after Release.
type Registry struct {
	mu       sync.RWMutex
	devices  []Identity
	released []bool
	index    map[Identity]int
	current  int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{index: make(map[Identity]int)}
}

// Register returns the index for id, assigning the next one on first sight.
// A released identity stays dead: registering it again fails with UnknownDevice.
func (r *Registry) Register(id Identity) (int, error) {
	if err := id.Validate(); err != nil {
		return -1, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.index[id]; ok {
		if r.released[idx] {
			return -1, unknownDeviceError{index: idx}
		}
		return idx, nil
	}
	idx := len(r.devices)
	r.devices = append(r.devices, id)
	r.released = append(r.released, false)
	r.index[id] = idx
	return idx, nil
}

// Lookup resolves an index to its identity.
func (r *Registry) Lookup(index int) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.devices) || r.released[index] {
		return Identity{}, unknownDeviceError{index: index}
	}
	return r.devices[index], nil
}

// IndexOf returns the index registered for id.
func (r *Registry) IndexOf(id Identity) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[id]
	if !ok || r.released[idx] {
		return -1, false
	}
	return idx, true
}

// Release retires index. Later lookups fail; the index is not reassigned.
func (r *Registry) Release(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.devices) || r.released[index] {
		return unknownDeviceError{index: index}
	}
	r.released[index] = true
	return nil
}

// DeviceCount is the number of indices handed out, released ones included, so
// that every index below it is addressable by the host runtime.
func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// List returns all records in index order.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.devices))
	for i, id := range r.devices {
		out[i] = Record{Index: i, Identity: id, Released: r.released[i]}
	}
	return out
}

// SetDevice changes the process-wide default device.
func (r *Registry) SetDevice(index int) error {
	if _, err := r.Lookup(index); err != nil {
		return err
	}
	r.mu.Lock()
	r.current = index
	r.mu.Unlock()
	return nil
}

type deviceKey struct{}

// WithDevice scopes a current device to ctx.
func WithDevice(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, deviceKey{}, index)
}

// CurrentDevice returns the device scoped to ctx, else the process-wide default.
func (r *Registry) CurrentDevice(ctx context.Context) int {
	if ctx != nil {
		if idx, ok := ctx.Value(deviceKey{}).(int); ok {
			return idx
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// IsAvailable reports whether at least one device is usable.
func (r *Registry) IsAvailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rel := range r.released {
		if !rel {
			return true
		}
	}
	return false
}

// ValidateSingleDevice checks that every ref lives on one logical device and
// returns it. With no refs it returns index -1 and a zero identity.
func (r *Registry) ValidateSingleDevice(refs ...DeviceRef) (int, Identity, error) {
	first := -1
	var firstID Identity
	for _, ref := range refs {
		if ref == nil {
			continue
		}
		idx := ref.DeviceIndex()
		id, err := r.Lookup(idx)
		if err != nil {
			return -1, Identity{}, err
		}
		if first < 0 {
			first, firstID = idx, id
			continue
		}
		if id != firstID {
			return -1, Identity{}, crossDeviceError{first: firstID, second: id, firstIdx: first, secondIdx: idx}
		}
	}
	return first, firstID, nil
}

// Refs widens a slice of concrete refs for ValidateSingleDevice.
func Refs[T DeviceRef](items []T) []DeviceRef {
	out := make([]DeviceRef, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
