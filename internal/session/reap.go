package session

import (
	"context"
	"time"
)

func (m *Manager) reapLoop(idle time.Duration) {
	defer close(m.reapDone)
	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.reapStop:
			return
		case now := <-t.C:
			m.reapIdle(now, idle)
		}
	}
}

// reapIdle closes ready sessions with no in-flight or queued calls whose last
// use is older than idle, least recently used first.
func (m *Manager) reapIdle(now time.Time, idle time.Duration) int {
	n := 0
	for {
		m.mu.RLock()
		var lru *Session
		for _, s := range m.sessions {
			if s.State != StateReady || len(s.callCh) > 0 || len(s.queueCh) > 0 {
				continue
			}
			if now.Sub(s.LastUsed) < idle {
				continue
			}
			if lru == nil || s.LastUsed.Before(lru.LastUsed) {
				lru = s
			}
		}
		m.mu.RUnlock()
		if lru == nil {
			return n
		}
		// Claim the in-flight slot without waiting; a racing call wins.
		select {
		case lru.callCh <- struct{}{}:
		default:
			return n
		}
		m.mu.RLock()
		still := lru.State == StateReady
		m.mu.RUnlock()
		if !still {
			<-lru.callCh
			return n
		}
		m.cfg.Publisher.Publish(Event{Name: EventIdle, Device: lru.Device, Fields: map[string]any{"idle_ms": now.Sub(lru.LastUsed).Milliseconds()}})
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DrainTimeout)
		_ = m.closeSession(ctx, lru, true)
		cancel()
		n++
	}
}
