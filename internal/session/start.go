package session

import (
	"context"
	"time"
)

// ensure starts s unless it is ready. The caller holds the in-flight slot,
// so at most one start per device runs at a time.
func (m *Manager) ensure(ctx context.Context, s *Session) error {
	m.mu.RLock()
	st, conn := s.State, s.conn
	m.mu.RUnlock()
	if conn != nil && st != StateFailed {
		return nil
	}

	name := s.Identity.String()
	if st == StateFailed {
		// Restarts after failure are throttled; first starts are not.
		if err := s.limiter.Wait(ctx); err != nil {
			return remoteUnavailableError{device: name, err: err}
		}
	}

	m.setState(s, StateStarting, "")
	m.cfg.Publisher.Publish(Event{Name: EventStarting, Device: s.Device, Fields: map[string]any{"identity": name}})
	m.log.Info().Int("device", s.Device).Str("identity", name).Msg("session starting")
	start := time.Now()

	endpoint := ""
	if m.cfg.Endpoint != nil {
		ep, err := m.cfg.Endpoint(s.Identity)
		if err != nil {
			return m.startFailed(s, err)
		}
		endpoint = ep
	}
	if m.cfg.Dial == nil {
		return m.startFailed(s, errNoDialer)
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	c, err := m.cfg.Dial(dctx, s.Identity, endpoint)
	if err != nil {
		return m.startFailed(s, err)
	}

	m.mu.Lock()
	s.conn = c
	s.Starts++
	s.LastUsed = time.Now()
	m.mu.Unlock()
	m.setState(s, StateReady, "")
	startsTotal.WithLabelValues("ok").Inc()
	m.cfg.Publisher.Publish(Event{Name: EventReady, Device: s.Device, Fields: map[string]any{"endpoint": endpoint, "dur_ms": time.Since(start).Milliseconds()}})
	m.log.Info().Int("device", s.Device).Str("endpoint", endpoint).Dur("dur", time.Since(start)).Msg("session ready")
	return nil
}

func (m *Manager) startFailed(s *Session, err error) error {
	m.setState(s, StateFailed, err.Error())
	startsTotal.WithLabelValues("error").Inc()
	m.cfg.Publisher.Publish(Event{Name: EventFailed, Device: s.Device, Fields: map[string]any{"error": err.Error(), "phase": "start"}})
	m.log.Warn().Err(err).Int("device", s.Device).Msg("session start failed")
	return remoteUnavailableError{device: s.Identity.String(), err: err}
}

// fail marks s failed and closes its connection in the background.
func (m *Manager) fail(s *Session, err error) {
	m.mu.Lock()
	c := s.conn
	s.conn = nil
	m.mu.Unlock()
	m.setState(s, StateFailed, err.Error())
	m.cfg.Publisher.Publish(Event{Name: EventFailed, Device: s.Device, Fields: map[string]any{"error": err.Error(), "phase": "call"}})
	m.log.Warn().Err(err).Int("device", s.Device).Msg("session failed")
	if c != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
			defer cancel()
			_ = c.Close(ctx)
		}()
	}
}
