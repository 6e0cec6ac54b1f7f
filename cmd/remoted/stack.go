package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"remoted/internal/config"
	"remoted/internal/daemon"
	"remoted/internal/dispatch"
	"remoted/internal/httpapi"
	"remoted/internal/policy"
	"remoted/internal/registry"
	"remoted/internal/session"
	"remoted/internal/storage"
)

// stack is the assembled device runtime behind `remoted serve`.
type stack struct {
	devices    *registry.Registry
	daemon     *daemon.Daemon
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	events     *httpapi.Broadcaster
	handler    http.Handler
	endpoints  *endpointTable
}

// buildStack wires registry, storage, daemon, sessions, dispatch and the admin API.
func buildStack(cfg config.Config, dial session.DialFunc, log zerolog.Logger) (*stack, error) {
	s := &stack{
		devices:   registry.New(),
		endpoints: &endpointTable{byID: make(map[registry.Identity]string), fallback: cfg.Session.DefaultEndpoint},
	}
	for i, spec := range cfg.Devices {
		id, err := spec.Identity()
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		idx, err := s.devices.Register(id)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		if spec.Endpoint != "" {
			s.endpoints.set(id, spec.Endpoint)
		}
		log.Info().Int("index", idx).Str("identity", id.String()).Str("endpoint", spec.Endpoint).Msg("device registered")
	}

	store := storage.NewRegistry(storage.Options{
		CapacityBytes: cfg.Daemon.CapacityBytes,
		Logger:        log.With().Str("component", "storage").Logger(),
	})
	s.daemon = daemon.New(store, s.devices, daemon.Config{
		QueueDepth: cfg.Daemon.QueueDepth,
		Logger:     log.With().Str("component", "daemon").Logger(),
	})

	s.events = httpapi.NewBroadcaster(log.With().Str("component", "events").Logger())
	sc := cfg.Session
	s.sessions = session.New(session.Config{
		Devices:       s.devices,
		Memory:        s.daemon,
		Dial:          dial,
		Endpoint:      s.endpoints.resolve,
		CallTimeout:   sc.CallTimeout.Std(),
		StartTimeout:  sc.StartTimeout.Std(),
		IdleTimeout:   sc.IdleTimeout.Std(),
		DrainTimeout:  sc.DrainTimeout.Std(),
		MaxQueueDepth: sc.MaxQueueDepth,
		MaxWait:       sc.MaxWait.Std(),
		RestartRate:   restartLimit(sc.RestartPerMinute),
		Publisher:     s.events,
		Logger:        log.With().Str("component", "session").Logger(),
	})

	s.dispatcher = dispatch.New(dispatch.Config{
		Devices:            s.devices,
		Daemon:             s.daemon,
		Remote:             s.sessions,
		Policy:             policy.New(cfg.Policy),
		AllowLocalFallback: sc.AllowLocalFallback,
		Logger:             log.With().Str("component", "dispatch").Logger(),
	})

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.HTTP.CORSEnabled, cfg.HTTP.CORSOrigins,
		[]string{http.MethodGet, http.MethodPost, http.MethodOptions}, []string{"Content-Type", "X-Log-Level"})
	s.handler = httpapi.NewMux(s.dispatcher, s.events)
	return s, nil
}

// shutdown drains sessions, then the daemon, then disconnects event clients.
func (s *stack) shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := s.sessions.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("sessions: %w", err))
	}
	if err := s.daemon.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("daemon: %w", err))
	}
	s.events.Close()
	return result.ErrorOrNil()
}

func restartLimit(perMinute float64) rate.Limit {
	if perMinute <= 0 {
		return 0
	}
	return rate.Every(time.Duration(float64(time.Minute) / perMinute))
}

// endpointTable maps identities to worker addresses.
type endpointTable struct {
	mu       sync.RWMutex
	byID     map[registry.Identity]string
	fallback string
}

func (t *endpointTable) set(id registry.Identity, endpoint string) {
	t.mu.Lock()
	t.byID[id] = endpoint
	t.mu.Unlock()
}

func (t *endpointTable) resolve(id registry.Identity) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ep, ok := t.byID[id]; ok {
		return ep, nil
	}
	if t.fallback != "" {
		return t.fallback, nil
	}
	return "", fmt.Errorf("no worker endpoint configured for %s", id)
}
