package session

import (
	"sort"

	"remoted/pkg/types"
)

// Status reports every known session ordered by device index.
func (m *Manager) Status() []types.SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		st := types.SessionStatus{
			Device:        s.Device,
			Identity:      s.Identity.String(),
			State:         string(s.State),
			QueueLen:      max(len(s.queueCh)-len(s.callCh), 0),
			Inflight:      len(s.callCh),
			MaxQueueDepth: cap(s.queueCh),
			Calls:         s.Calls,
			Starts:        s.Starts,
			Error:         s.Err,
		}
		if !s.LastUsed.IsZero() {
			st.LastUsed = s.LastUsed.Unix()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}
