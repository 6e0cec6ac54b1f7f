package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"remoted/internal/registry"
	"remoted/internal/session"
	"remoted/pkg/types"
)

// Devices lists every registered device with its session state.
func (d *Dispatcher) Devices(ctx context.Context) types.DevicesResponse {
	recs := d.devices.List()
	out := types.DevicesResponse{
		Devices: make([]types.Device, 0, len(recs)),
		Current: d.devices.CurrentDevice(ctx),
		Count:   d.devices.DeviceCount(),
	}
	for _, r := range recs {
		out.Devices = append(out.Devices, deviceView(r, d.remote.State(r.Index)))
	}
	return out
}

// RegisterDevice adds a device, or returns the existing index for a known identity.
func (d *Dispatcher) RegisterDevice(_ context.Context, req types.RegisterDeviceRequest) (types.Device, error) {
	p, err := registry.ParseProvider(req.Provider)
	if err != nil {
		return types.Device{}, err
	}
	a, err := registry.ParseAccelerator(req.Accelerator)
	if err != nil {
		return types.Device{}, err
	}
	id := registry.NewIdentity(p, a)
	if req.UUID != "" {
		u, err := uuid.Parse(req.UUID)
		if err != nil {
			return types.Device{}, fmt.Errorf("invalid uuid: %w", err)
		}
		id.UUID = u
	}
	idx, err := d.devices.Register(id)
	if err != nil {
		return types.Device{}, err
	}
	d.log.Info().Int("index", idx).Str("identity", id.String()).Msg("device registered")
	return deviceView(registry.Record{Index: idx, Identity: id}, d.remote.State(idx)), nil
}

func deviceView(r registry.Record, st session.State) types.Device {
	return types.Device{
		Index:       r.Index,
		ID:          r.Identity.String(),
		Name:        r.Identity.Name(),
		Provider:    string(r.Identity.Provider),
		Accelerator: string(r.Identity.Accelerator),
		Released:    r.Released,
		Session:     string(st),
	}
}

// StopSession closes the remote session of a device.
func (d *Dispatcher) StopSession(ctx context.Context, index int) error {
	if _, err := d.devices.Lookup(index); err != nil {
		return err
	}
	return d.remote.Stop(ctx, index)
}

// Decide previews the routing of op for the given element count.
func (d *Dispatcher) Decide(op string, elements int64) types.DecisionResponse {
	dec := d.policy.Decide(op, elements)
	return types.DecisionResponse{Op: op, Elements: elements, Route: string(dec.Route), Reason: dec.Reason}
}

// Status reports sessions, daemon lanes and storage usage.
func (d *Dispatcher) Status() types.StatusResponse {
	now := time.Now()
	return types.StatusResponse{
		Sessions:       d.remote.Status(),
		DaemonQueues:   d.daemon.Depth(),
		LiveHandles:    d.daemon.Registry().Live(),
		UptimeSeconds:  int64(now.Sub(d.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

// Ready reports whether the dispatcher can accept work: at least one device
// is available.
func (d *Dispatcher) Ready() bool { return d.devices.IsAvailable() }
