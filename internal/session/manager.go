package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"remoted/internal/registry"
	"remoted/internal/storage"
	"remoted/internal/tensor"
	"remoted/internal/wire"
)

// Conn is an open session with a worker.
type Conn interface {
	Execute(ctx context.Context, req *wire.ExecuteRequest) (*wire.ExecuteResponse, error)
	Close(ctx context.Context) error
}

// DialFunc opens a session for id at endpoint.
type DialFunc func(ctx context.Context, id registry.Identity, endpoint string) (Conn, error)

// Devices is the device registry surface the manager consults.
type Devices interface {
	Lookup(index int) (registry.Identity, error)
	ValidateSingleDevice(refs ...registry.DeviceRef) (int, registry.Identity, error)
}

// Memory reads inputs from and writes outputs into local device storage.
type Memory interface {
	Read(ctx context.Context, t *tensor.Tensor) ([]byte, error)
	Materialize(ctx context.Context, device int, meta tensor.Metadata, data []byte) (*tensor.Tensor, error)
	WriteInto(ctx context.Context, t *tensor.Tensor, data []byte) error
	Free(ctx context.Context, h storage.Handle) error
}

// Manager owns the per-device sessions.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[int]*Session
	closed   bool

	reapStop chan struct{}
	reapDone chan struct{}
}

// New constructs a Manager. When cfg.IdleTimeout is set an idle reaper runs
// until Close.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[int]*Session),
	}
	if cfg.IdleTimeout > 0 {
		m.reapStop = make(chan struct{})
		m.reapDone = make(chan struct{})
		go m.reapLoop(cfg.IdleTimeout)
	}
	return m
}

// session returns the entry for device, creating a closed one on first use.
func (m *Manager) session(device int, id registry.Identity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, remoteUnavailableError{device: id.String(), err: errManagerClosed}
	}
	s, ok := m.sessions[device]
	if ok {
		return s, nil
	}
	s = &Session{
		Device:   device,
		Identity: id,
		State:    StateClosed,
		callCh:   make(chan struct{}, 1),
		queueCh:  make(chan struct{}, m.cfg.MaxQueueDepth),
		limiter:  rate.NewLimiter(m.cfg.RestartRate, m.cfg.RestartBurst),
	}
	m.sessions[device] = s
	return s, nil
}

// State returns the state of device's session, StateClosed if none exists.
func (m *Manager) State(device int) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[device]; ok {
		return s.State
	}
	return StateClosed
}

// Ready reports whether any session is ready.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.State == StateReady {
			return true
		}
	}
	return false
}

func (m *Manager) setState(s *Session, st State, errMsg string) {
	m.mu.Lock()
	prev := s.State
	s.State = st
	s.Err = errMsg
	m.mu.Unlock()
	switch {
	case prev != StateReady && st == StateReady:
		readySessions.Inc()
	case prev == StateReady && st != StateReady:
		readySessions.Dec()
	}
}

func (m *Manager) touch(s *Session) {
	m.mu.Lock()
	s.LastUsed = time.Now()
	m.mu.Unlock()
}
