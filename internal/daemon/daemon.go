// Package daemon is the local execution daemon: it serializes storage and
// compute work per device onto a dedicated lane.
//
// Requests for one device run in submission order on that device's lane.
// Lanes for different devices run concurrently. Every Registry mutation
// happens on a lane, so callers never touch the handle table directly.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"remoted/internal/kernels"
	"remoted/internal/registry"
	"remoted/internal/storage"
	"remoted/internal/tensor"
)

const defaultQueueDepth = 256

// Devices is the device registry surface the daemon consults.
type Devices interface {
	ValidateSingleDevice(refs ...registry.DeviceRef) (int, registry.Identity, error)
	CurrentDevice(ctx context.Context) int
}

// Config tunes a Daemon.
type Config struct {
	// QueueDepth bounds each device lane. Submitters block while it is full.
	QueueDepth int
	Logger     zerolog.Logger
}

// Kind names a request type.
type Kind string

const (
	KindAllocate Kind = "allocate"
	KindFree     Kind = "free"
	KindCopy     Kind = "copy"
	KindCompute  Kind = "compute"
	KindRead     Kind = "read"
	KindWrite    Kind = "write"
)

type request struct {
	kind Kind
	ctx  context.Context
	run  func() error
	done chan error
}

type lane struct {
	device int
	ch     chan *request
}

// Daemon owns the storage registry and the per-device lanes.
type Daemon struct {
	reg     *storage.Registry
	devices Devices
	depth   int
	log     zerolog.Logger

	// mu guards closed against lane sends; Shutdown takes it exclusively.
	mu     sync.RWMutex
	closed bool

	lanesMu sync.Mutex
	lanes   map[int]*lane
	wg      sync.WaitGroup
}

// New starts a daemon over reg. Lanes are created on first use.
func New(reg *storage.Registry, devices Devices, cfg Config) *Daemon {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	return &Daemon{
		reg:     reg,
		devices: devices,
		depth:   cfg.QueueDepth,
		log:     cfg.Logger,
		lanes:   make(map[int]*lane),
	}
}

// Registry exposes the handle table for read-only inspection.
func (d *Daemon) Registry() *storage.Registry { return d.reg }

func (d *Daemon) lane(device int) *lane {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()
	if l, ok := d.lanes[device]; ok {
		return l
	}
	l := &lane{device: device, ch: make(chan *request, d.depth)}
	d.lanes[device] = l
	d.wg.Add(1)
	go d.loop(l)
	d.log.Debug().Int("device", device).Msg("daemon lane started")
	return l
}

func (d *Daemon) loop(l *lane) {
	defer d.wg.Done()
	label := deviceLabel(l.device)
	for req := range l.ch {
		queueDepth.WithLabelValues(label).Set(float64(len(l.ch)))
		if err := req.ctx.Err(); err != nil {
			req.done <- err
			continue
		}
		req.done <- req.run()
	}
	queueDepth.WithLabelValues(label).Set(0)
}

// submit enqueues fn on device's lane and waits for it.
func (d *Daemon) submit(ctx context.Context, device int, kind Kind, fn func() error) error {
	start := time.Now()
	req := &request{kind: kind, ctx: ctx, run: fn, done: make(chan error, 1)}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return closedError{}
	}
	l := d.lane(device)
	select {
	case l.ch <- req:
		queueDepth.WithLabelValues(deviceLabel(device)).Set(float64(len(l.ch)))
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	d.mu.RUnlock()

	var err error
	select {
	case err = <-req.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	requestsTotal.WithLabelValues(string(kind), outcome(err)).Inc()
	requestDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	return err
}

// Allocate reserves nbytes on device.
func (d *Daemon) Allocate(ctx context.Context, device int, nbytes int64) (storage.Handle, error) {
	var h storage.Handle
	err := d.submit(ctx, device, KindAllocate, func() error {
		var err error
		h, err = d.reg.Allocate(nbytes, device)
		return err
	})
	return h, err
}

// Free releases h on the lane of the device that owns it.
func (d *Daemon) Free(ctx context.Context, h storage.Handle) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return closedError{}
	}
	device, err := d.reg.Device(h)
	if err != nil {
		// Unknown or already freed: let the registry apply its contract.
		return d.reg.Free(h)
	}
	var stale atomic.Bool
	err = d.submit(ctx, device, KindFree, func() error {
		if _, err := d.reg.Device(h); err != nil {
			stale.Store(true)
			return nil
		}
		return d.reg.Free(h)
	})
	if stale.Load() {
		// A concurrent Free won the lane; the double free panics here, on the caller.
		return d.reg.Free(h)
	}
	return err
}

type handleRef int

func (r handleRef) DeviceIndex() int { return int(r) }

// Copy moves nbytes from src to dst. Both must live on the same logical device.
func (d *Daemon) Copy(ctx context.Context, dst, src storage.Handle, nbytes int64) error {
	dd, err := d.reg.Device(dst)
	if err != nil {
		return err
	}
	sd, err := d.reg.Device(src)
	if err != nil {
		return err
	}
	if _, _, err := d.devices.ValidateSingleDevice(handleRef(dd), handleRef(sd)); err != nil {
		return err
	}
	return d.submit(ctx, dd, KindCopy, func() error { return d.reg.Copy(dst, src, nbytes) })
}

// Compute runs call with a local kernel. Inputs spanning devices are
// rejected before anything is queued.
func (d *Daemon) Compute(ctx context.Context, call *tensor.Call) ([]*tensor.Tensor, error) {
	device, _, err := d.devices.ValidateSingleDevice(registry.Refs(call.Tensors())...)
	if err != nil {
		return nil, err
	}
	if device < 0 {
		device = d.devices.CurrentDevice(ctx)
	}
	var out []*tensor.Tensor
	err = d.submit(ctx, device, KindCompute, func() error {
		var err error
		out, err = kernels.Run(d.reg, call)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Read returns the elements of t's view as contiguous bytes.
func (d *Daemon) Read(ctx context.Context, t *tensor.Tensor) ([]byte, error) {
	var data []byte
	err := d.submit(ctx, t.Device, KindRead, func() error {
		block, err := d.reg.Resolve(t.Handle)
		if err != nil {
			return err
		}
		if err := t.Validate(int64(len(block))); err != nil {
			return err
		}
		data = t.Pack(block)
		return nil
	})
	return data, err
}

// Materialize stores data as a new contiguous tensor on device, described by
// meta's shape and dtype.
func (d *Daemon) Materialize(ctx context.Context, device int, meta tensor.Metadata, data []byte) (*tensor.Tensor, error) {
	m := tensor.Contiguous(meta.Shape, meta.DType, 0, device)
	if int64(len(data)) != m.Nbytes() {
		return nil, fmt.Errorf("materialize %s: got %d bytes, want %d", m, len(data), m.Nbytes())
	}
	err := d.submit(ctx, device, KindWrite, func() error {
		h, err := d.reg.Allocate(m.Nbytes(), device)
		if err != nil {
			return err
		}
		block, err := d.reg.Resolve(h)
		if err != nil {
			return err
		}
		copy(block, data)
		m.Handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tensor.New(m), nil
}

// WriteInto stores contiguous data through t's view. Bytes of the block
// outside the view are left untouched.
func (d *Daemon) WriteInto(ctx context.Context, t *tensor.Tensor, data []byte) error {
	if int64(len(data)) != t.Nbytes() {
		return fmt.Errorf("write %s: got %d bytes, want %d", t, len(data), t.Nbytes())
	}
	return d.submit(ctx, t.Device, KindWrite, func() error {
		block, err := d.reg.Resolve(t.Handle)
		if err != nil {
			return err
		}
		if err := t.Validate(int64(len(block))); err != nil {
			return err
		}
		t.Unpack(block, data)
		return nil
	})
}

// Depth reports the queued requests per active lane.
func (d *Daemon) Depth() map[int]int {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()
	out := make(map[int]int, len(d.lanes))
	for dev, l := range d.lanes {
		out[dev] = len(l.ch)
	}
	return out
}

// Shutdown stops accepting work, drains every lane, then tears down the
// registry. It returns ctx.Err() if draining outlives ctx.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.lanesMu.Lock()
	for _, l := range d.lanes {
		close(l.ch)
	}
	d.lanesMu.Unlock()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.reg.Close()
	d.log.Info().Msg("execution daemon stopped")
	return nil
}
