package session

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"remoted/internal/registry"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultCallTimeout   = 60 * time.Second
	defaultStartTimeout  = 30 * time.Second
	defaultDrainTimeout  = 30 * time.Second
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Devices Devices
	Memory  Memory
	Dial    DialFunc
	// Endpoint maps an identity to a worker address. Nil passes "" to Dial.
	Endpoint func(registry.Identity) (string, error)

	// CallTimeout bounds one remote call, excluding queueing and start.
	CallTimeout time.Duration
	// StartTimeout bounds session establishment.
	StartTimeout time.Duration
	// IdleTimeout closes ready sessions unused for this long. Zero disables.
	IdleTimeout time.Duration
	// DrainTimeout bounds how long Stop waits for the in-flight call.
	DrainTimeout time.Duration

	MaxQueueDepth int
	MaxWait       time.Duration

	// RestartRate throttles restarts after failure per device. Zero means unlimited.
	RestartRate  rate.Limit
	RestartBurst int

	Publisher EventPublisher
	Logger    zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.RestartRate <= 0 {
		c.RestartRate = rate.Inf
	}
	if c.RestartBurst <= 0 {
		c.RestartBurst = 1
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	return c
}
