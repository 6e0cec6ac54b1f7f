package session

// Event is a session lifecycle event: a name, the device index and optional fields.
type Event struct {
	Name   string         `json:"name"`
	Device int            `json:"device"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Event names.
const (
	EventStarting = "session_starting"
	EventReady    = "session_ready"
	EventFailed   = "session_failed"
	EventDraining = "session_draining"
	EventClosed   = "session_closed"
	EventTimeout  = "call_timeout"
	EventIdle     = "session_idle"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
