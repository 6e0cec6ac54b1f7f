// Package dispatch is the entry point the host runtime calls for every
// operation on the remote device. It validates device placement, resolves
// view operations locally, and routes the rest by policy to the local daemon
// or the remote session manager.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"remoted/internal/daemon"
	"remoted/internal/kernels"
	"remoted/internal/policy"
	"remoted/internal/registry"
	"remoted/internal/session"
	"remoted/internal/storage"
	"remoted/internal/tensor"
	"remoted/pkg/types"
)

// Remote is the session manager surface used by the dispatcher.
type Remote interface {
	Execute(ctx context.Context, device int, call *tensor.Call) ([]*tensor.Tensor, error)
	Stop(ctx context.Context, device int) error
	State(device int) session.State
	Status() []types.SessionStatus
	Ready() bool
}

// Config wires a Dispatcher.
type Config struct {
	Devices *registry.Registry
	Daemon  *daemon.Daemon
	Remote  Remote
	Policy  *policy.Policy
	// AllowLocalFallback runs an op locally when its remote session cannot
	// be started and a local kernel exists.
	AllowLocalFallback bool
	Logger             zerolog.Logger
}

// Dispatcher routes operations. Safe for concurrent use.
type Dispatcher struct {
	devices  *registry.Registry
	daemon   *daemon.Daemon
	remote   Remote
	policy   *policy.Policy
	fallback bool
	log      zerolog.Logger
	alloc    *storage.Allocator
	started  time.Time
}

// New constructs a Dispatcher. A nil Policy selects policy.Default().
func New(cfg Config) *Dispatcher {
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	d := &Dispatcher{
		devices:  cfg.Devices,
		daemon:   cfg.Daemon,
		remote:   cfg.Remote,
		policy:   cfg.Policy,
		fallback: cfg.AllowLocalFallback,
		log:      cfg.Logger,
		started:  time.Now(),
	}
	d.alloc = storage.NewAllocator(cfg.Daemon, func() int {
		return cfg.Devices.CurrentDevice(context.Background())
	}, cfg.Logger)
	return d
}

// Dispatch executes op and returns its outputs. In-place ops return their
// mutated input.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, args []tensor.Value, kwargs []tensor.Kwarg) ([]*tensor.Tensor, error) {
	call := &tensor.Call{Op: op, Args: args, Kwargs: kwargs}
	device, _, err := d.devices.ValidateSingleDevice(registry.Refs(call.Tensors())...)
	if err != nil {
		return nil, err
	}
	if device < 0 {
		device = d.devices.CurrentDevice(ctx)
		if _, err := d.devices.Lookup(device); err != nil {
			return nil, err
		}
	}
	ctx = registry.WithDevice(ctx, device)

	if isView(op) {
		return d.view(call)
	}

	dec := d.policy.DecideCall(call)
	route := dec.Route
	if route == policy.Local && !kernels.Has(op) && !d.policy.Denied(op) {
		route = policy.Remote
		dec.Reason = "no local kernel"
	}
	d.log.Debug().Str("op", op).Int("device", device).Str("route", string(route)).Str("reason", dec.Reason).Msg("dispatch")

	if route == policy.Local {
		return d.daemon.Compute(ctx, call)
	}
	out, err := d.remote.Execute(ctx, device, call)
	if err != nil && d.fallback && session.IsRemoteUnavailable(err) && kernels.Has(op) {
		d.log.Warn().Err(err).Str("op", op).Int("device", device).Msg("remote unavailable, running locally")
		return d.daemon.Compute(ctx, call)
	}
	return out, err
}

// Call is Dispatch for a prepared call.
func (d *Dispatcher) Call(ctx context.Context, call *tensor.Call) ([]*tensor.Tensor, error) {
	return d.Dispatch(ctx, call.Op, call.Args, call.Kwargs)
}

// Allocator is the storage allocator hook for the host runtime.
func (d *Dispatcher) Allocator() *storage.Allocator { return d.alloc }

// DeviceCount is the number of device indices issued.
func (d *Dispatcher) DeviceCount() int { return d.devices.DeviceCount() }

// CurrentDevice is the device selected for ctx.
func (d *Dispatcher) CurrentDevice(ctx context.Context) int { return d.devices.CurrentDevice(ctx) }

// SetDevice changes the process-wide current device.
func (d *Dispatcher) SetDevice(index int) error { return d.devices.SetDevice(index) }

// IsAvailable reports whether any device is registered and not released.
func (d *Dispatcher) IsAvailable() bool { return d.devices.IsAvailable() }

// Upload copies data into a new contiguous tensor on device.
func (d *Dispatcher) Upload(ctx context.Context, device int, shape []int64, dt tensor.DType, data []byte) (*tensor.Tensor, error) {
	if _, err := d.devices.Lookup(device); err != nil {
		return nil, err
	}
	return d.daemon.Materialize(ctx, device, tensor.Contiguous(shape, dt, 0, device), data)
}

// Download returns the contiguous bytes of t.
func (d *Dispatcher) Download(ctx context.Context, t *tensor.Tensor) ([]byte, error) {
	return d.daemon.Read(ctx, t)
}
