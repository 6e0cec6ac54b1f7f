package session

import (
	"time"

	"golang.org/x/time/rate"

	"remoted/internal/registry"
)

// State is the lifecycle state of a remote session.
type State string

const (
	StateClosed   State = "closed"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateDraining State = "draining"
)

// Session is the remote session bound to one device index.
type Session struct {
	Device   int
	Identity registry.Identity
	State    State
	LastUsed time.Time
	Err      string
	Calls    uint64
	Starts   uint64

	conn Conn
	// Queueing primitives
	callCh  chan struct{} // size 1: single in-flight call
	queueCh chan struct{} // buffered: queue slots
	limiter *rate.Limiter
}
