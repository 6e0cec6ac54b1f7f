package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Stop drains device's session and closes it. The in-flight call, if any,
// finishes first; new calls are rejected as too busy meanwhile. The next
// call after Stop starts a fresh session.
func (m *Manager) Stop(ctx context.Context, device int) error {
	m.mu.Lock()
	s, ok := m.sessions[device]
	if !ok || s.State == StateClosed || s.State == StateDraining {
		m.mu.Unlock()
		return nil
	}
	prev := s.State
	m.mu.Unlock()
	m.setState(s, StateDraining, "")
	m.cfg.Publisher.Publish(Event{Name: EventDraining, Device: device, Fields: map[string]any{"from": string(prev)}})

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	defer cancel()
	acquired := false
	select {
	case s.callCh <- struct{}{}:
		acquired = true
	case <-dctx.Done():
		m.log.Warn().Int("device", device).Msg("session drain timed out; closing with call in flight")
	}
	return m.closeSession(ctx, s, acquired)
}

// closeSession closes s's connection and marks it closed. held reports
// whether the caller owns the in-flight slot.
func (m *Manager) closeSession(ctx context.Context, s *Session, held bool) error {
	if held {
		defer func() { <-s.callCh }()
	}
	m.mu.Lock()
	c := s.conn
	s.conn = nil
	m.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close(ctx)
	}
	m.setState(s, StateClosed, "")
	m.cfg.Publisher.Publish(Event{Name: EventClosed, Device: s.Device})
	m.log.Info().Int("device", s.Device).Msg("session closed")
	return err
}

// StopAll stops every session in parallel and aggregates the failures.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	devices := make([]int, 0, len(m.sessions))
	for d := range m.sessions {
		devices = append(devices, d)
	}
	m.mu.RUnlock()
	sort.Ints(devices)

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		d := d
		g.Go(func() error {
			if err := m.Stop(gctx, d); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// Close stops the idle reaper and every session. Later calls fail as
// remote unavailable.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	if m.reapStop != nil {
		close(m.reapStop)
		select {
		case <-m.reapDone:
		case <-time.After(time.Second):
		}
	}
	return m.StopAll(ctx)
}
