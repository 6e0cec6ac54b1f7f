package session

import (
	"context"
	"time"
)

// admit reserves a queue slot and then the single in-flight slot of s.
// Returns a release func to be deferred.
func (m *Manager) admit(ctx context.Context, s *Session) (func(), error) {
	m.mu.RLock()
	draining := s.State == StateDraining
	m.mu.RUnlock()
	if draining {
		return func() {}, tooBusyError{device: s.Device}
	}

	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	timer := time.NewTimer(m.cfg.MaxWait)
	defer timer.Stop()
	select {
	case s.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{device: s.Device}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-s.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	// The wait for the in-flight slot shares the MaxWait budget.
	select {
	case s.callCh <- struct{}{}:
		acquired = true
		return func() { <-s.callCh; <-s.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{device: s.Device}
	}
}
