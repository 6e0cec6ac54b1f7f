// Package config holds the runtime configuration of the daemon and worker.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"remoted/internal/policy"
	"remoted/internal/registry"
)

// Duration is a time.Duration read from strings such as "30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	Policy  policy.Table  `json:"policy" yaml:"policy" toml:"policy"`
	Daemon  DaemonConfig  `json:"daemon" yaml:"daemon" toml:"daemon"`
	Session SessionConfig `json:"session" yaml:"session" toml:"session"`
	Devices []DeviceSpec  `json:"devices" yaml:"devices" toml:"devices"`
	Worker  WorkerConfig  `json:"worker" yaml:"worker" toml:"worker"`
	HTTP    HTTPConfig    `json:"http" yaml:"http" toml:"http"`
}

// DaemonConfig tunes the local execution daemon and its storage.
type DaemonConfig struct {
	QueueDepth int `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
	// CapacityBytes caps live storage per device; 0 is unlimited.
	CapacityBytes int64 `json:"capacity_bytes" yaml:"capacity_bytes" toml:"capacity_bytes"`
}

// SessionConfig tunes the remote session manager.
type SessionConfig struct {
	CallTimeout        Duration `json:"call_timeout" yaml:"call_timeout" toml:"call_timeout"`
	StartTimeout       Duration `json:"start_timeout" yaml:"start_timeout" toml:"start_timeout"`
	IdleTimeout        Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
	DrainTimeout       Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
	MaxQueueDepth      int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWait            Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
	RestartPerMinute   float64  `json:"restart_per_minute" yaml:"restart_per_minute" toml:"restart_per_minute"`
	AllowLocalFallback bool     `json:"allow_local_fallback" yaml:"allow_local_fallback" toml:"allow_local_fallback"`
	// DefaultEndpoint serves devices registered without an endpoint.
	DefaultEndpoint string `json:"default_endpoint" yaml:"default_endpoint" toml:"default_endpoint"`
}

// DeviceSpec registers one device at startup.
type DeviceSpec struct {
	Provider    string `json:"provider" yaml:"provider" toml:"provider"`
	Accelerator string `json:"accelerator" yaml:"accelerator" toml:"accelerator"`
	// UUID pins the identity across restarts; empty generates one.
	UUID string `json:"uuid" yaml:"uuid" toml:"uuid"`
	// Endpoint is the worker address, e.g. "dns:///gpu-a:7443".
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
}

// WorkerConfig configures `remoted worker`.
type WorkerConfig struct {
	Addr          string `json:"addr" yaml:"addr" toml:"addr"`
	Name          string `json:"name" yaml:"name" toml:"name"`
	CapacityBytes int64  `json:"capacity_bytes" yaml:"capacity_bytes" toml:"capacity_bytes"`
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Defaults.
const (
	DefaultAddr       = ":8080"
	DefaultWorkerAddr = ":7443"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "console"
)

// WithDefaults fills unspecified fields.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Worker.Addr == "" {
		c.Worker.Addr = DefaultWorkerAddr
	}
	if len(c.Policy.Deny) == 0 && len(c.Policy.Allow) == 0 {
		def := policy.DefaultTable()
		c.Policy.Deny, c.Policy.Allow = def.Deny, def.Allow
	}
	if c.Policy.Threshold <= 0 {
		c.Policy.Threshold = policy.DefaultThreshold
	}
	return c
}

// ApplyEnv overrides fields from REMOTED_ADDR and REMOTED_LOG_LEVEL.
func (c Config) ApplyEnv() Config {
	if v := os.Getenv("REMOTED_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("REMOTED_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return c
}

// Validate checks device specs.
func (c Config) Validate() error {
	for i, d := range c.Devices {
		if _, err := d.Identity(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return nil
}

// Identity builds the registry identity for d.
func (d DeviceSpec) Identity() (registry.Identity, error) {
	p, err := registry.ParseProvider(d.Provider)
	if err != nil {
		return registry.Identity{}, err
	}
	a, err := registry.ParseAccelerator(d.Accelerator)
	if err != nil {
		return registry.Identity{}, err
	}
	id := registry.NewIdentity(p, a)
	if d.UUID != "" {
		u, err := uuid.Parse(d.UUID)
		if err != nil {
			return registry.Identity{}, fmt.Errorf("uuid %q: %w", d.UUID, err)
		}
		id.UUID = u
	}
	return id, nil
}
