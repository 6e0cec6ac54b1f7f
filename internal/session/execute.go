package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remoted/internal/registry"
	"remoted/internal/tensor"
	"remoted/internal/wire"
)

type deviceRef int

func (d deviceRef) DeviceIndex() int { return int(d) }

// Execute runs call on device's remote session and returns its outputs,
// materialized on device.
//
// Inputs on any other device are rejected before any network activity. The
// session is started on demand. A timeout or a transport or worker error
// marks the session failed and is returned without retry.
func (m *Manager) Execute(ctx context.Context, device int, call *tensor.Call) ([]*tensor.Tensor, error) {
	id, err := m.cfg.Devices.Lookup(device)
	if err != nil {
		return nil, err
	}
	refs := append([]registry.DeviceRef{deviceRef(device)}, registry.Refs(call.Tensors())...)
	if _, _, err := m.cfg.Devices.ValidateSingleDevice(refs...); err != nil {
		return nil, err
	}

	s, err := m.session(device, id)
	if err != nil {
		return nil, err
	}
	release, err := m.admit(ctx, s)
	defer release()
	if err != nil {
		return nil, err
	}
	if err := m.ensure(ctx, s); err != nil {
		return nil, err
	}

	req, err := wire.NewExecuteRequest("", call, func(t *tensor.Tensor) ([]byte, error) {
		return m.cfg.Memory.Read(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", call.Op, err)
	}

	m.mu.RLock()
	conn := s.conn
	m.mu.RUnlock()

	label := deviceLabel(device)
	op := tensor.BaseName(call.Op)
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	start := time.Now()
	resp, err := conn.Execute(cctx, req)
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	callDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	switch {
	case timedOut:
		terr := remoteTimeoutError{device: id.String(), op: op, timeout: m.cfg.CallTimeout}
		m.cfg.Publisher.Publish(Event{Name: EventTimeout, Device: device, Fields: map[string]any{"op": op}})
		m.fail(s, terr)
		callsTotal.WithLabelValues(label, "timeout").Inc()
		return nil, terr
	case err != nil && ctx.Err() != nil:
		// Caller gave up mid-call; the session's state is unknown.
		m.fail(s, ctx.Err())
		callsTotal.WithLabelValues(label, "canceled").Inc()
		return nil, ctx.Err()
	case err != nil:
		rerr := remoteExecutionError{device: id.String(), op: op, err: err}
		m.fail(s, rerr)
		callsTotal.WithLabelValues(label, "error").Inc()
		return nil, rerr
	case resp.Status != wire.StatusOK:
		rerr := remoteExecutionError{device: id.String(), op: op, detail: resp.Error}
		m.fail(s, rerr)
		callsTotal.WithLabelValues(label, "error").Inc()
		return nil, rerr
	}

	metas, err := checkOutputs(call, resp.Outputs)
	if err != nil {
		rerr := remoteExecutionError{device: id.String(), op: op, err: err}
		m.fail(s, rerr)
		callsTotal.WithLabelValues(label, "error").Inc()
		return nil, rerr
	}
	out, err := m.materialize(ctx, device, call, metas, resp.Outputs)
	if err != nil {
		callsTotal.WithLabelValues(label, "error").Inc()
		return nil, fmt.Errorf("outputs of %s: %w", op, err)
	}

	m.mu.Lock()
	s.Calls++
	s.LastUsed = time.Now()
	m.mu.Unlock()
	callsTotal.WithLabelValues(label, "ok").Inc()
	return out, nil
}

// checkOutputs decodes and sizes every output before anything is stored. For
// in-place ops output 0 must fit self.
func checkOutputs(call *tensor.Call, outputs []wire.Payload) ([]tensor.Metadata, error) {
	metas := make([]tensor.Metadata, len(outputs))
	for i, p := range outputs {
		meta, err := p.Meta.Metadata()
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		for _, d := range meta.Shape {
			if d < 0 {
				return nil, fmt.Errorf("output %d: negative dimension in %v", i, meta.Shape)
			}
		}
		if int64(len(p.Data)) != meta.Nbytes() {
			return nil, fmt.Errorf("output %d: got %d bytes, want %d", i, len(p.Data), meta.Nbytes())
		}
		metas[i] = meta
	}
	if tensor.Mutates(call.Op) {
		self := call.Self()
		switch {
		case self == nil:
			return nil, errors.New("in-place op without a tensor self")
		case len(metas) == 0:
			return nil, errors.New("in-place op returned no output")
		case metas[0].Numel() != self.Numel() || metas[0].DType != self.DType:
			return nil, fmt.Errorf("output 0 %v %s does not fit self %v %s",
				metas[0].Shape, metas[0].DType, self.Shape, self.DType)
		}
	}
	return metas, nil
}

// materialize stores outputs on device. An in-place op's output 0 is written
// back through self's view and self is returned in its place. On error the
// outputs stored so far are freed.
func (m *Manager) materialize(ctx context.Context, device int, call *tensor.Call, metas []tensor.Metadata, outputs []wire.Payload) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, 0, len(outputs))
	var created []*tensor.Tensor
	for i, p := range outputs {
		if i == 0 && tensor.Mutates(call.Op) {
			self := call.Self()
			if err := m.cfg.Memory.WriteInto(ctx, self, p.Data); err != nil {
				return nil, fmt.Errorf("output 0: %w", err)
			}
			out = append(out, self)
			continue
		}
		t, err := m.cfg.Memory.Materialize(ctx, device, metas[i], p.Data)
		if err != nil {
			m.discard(ctx, created)
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		created = append(created, t)
		out = append(out, t)
	}
	return out, nil
}

func (m *Manager) discard(ctx context.Context, ts []*tensor.Tensor) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range ts {
		if err := m.cfg.Memory.Free(ctx, t.Handle); err != nil {
			m.log.Warn().Err(err).Uint64("handle", uint64(t.Handle)).Msg("free output after failed materialize")
		}
	}
}
