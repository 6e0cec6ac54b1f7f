// Package httpapi exposes the admin API: device registry, session status and
// control, routing previews, health, metrics and a websocket event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remoted/internal/session"
	"remoted/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Devices(ctx context.Context) types.DevicesResponse
	RegisterDevice(ctx context.Context, req types.RegisterDeviceRequest) (types.Device, error)
	Status() types.StatusResponse
	StopSession(ctx context.Context, index int) error
	Decide(op string, elements int64) types.DecisionResponse
	Ready() bool
}

// NewMux builds the router. events may be nil, in which case /events is not served.
func NewMux(svc Service, events *Broadcaster) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// The websocket route must not sit behind the compressor.
	if events != nil {
		r.Get("/events", events.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/devices", handleDevices(svc))
		r.Post("/devices", handleRegister(svc))
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.Status())
		})
		r.Post("/sessions/{index}/stop", handleStop(svc))
		r.Get("/policy/decide", handleDecide(svc))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no devices"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

func handleDevices(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Devices(r.Context()))
	}
}

func handleRegister(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.RegisterDeviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.Accelerator) == "" {
			writeJSONError(w, http.StatusBadRequest, "provider and accelerator are required")
			return
		}
		dev, err := svc.RegisterDevice(r.Context(), req)
		if err != nil {
			status := statusFor(err, http.StatusBadRequest)
			writeJSONError(w, status, err.Error())
			logOutcome(r, "device register", status, start, err)
			return
		}
		writeJSON(w, http.StatusCreated, dev)
		logOutcome(r, "device register", http.StatusCreated, start, nil)
	}
}

func handleStop(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		idx, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil || idx < 0 {
			writeJSONError(w, http.StatusBadRequest, "device index must be a non-negative integer")
			return
		}
		// Shutdown of the server cancels a drain in progress too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.StopSession(ctx, idx); err != nil {
			status := statusFor(err, http.StatusInternalServerError)
			if session.IsTooBusy(err) {
				IncrementBackpressure("session_stop")
			}
			writeJSONError(w, status, err.Error())
			logOutcome(r, "session stop", status, start, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		logOutcome(r, "session stop", http.StatusNoContent, start, nil)
	}
}

func handleDecide(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		op := strings.TrimSpace(q.Get("op"))
		if op == "" {
			writeJSONError(w, http.StatusBadRequest, "op is required")
			return
		}
		var elements int64
		if v := q.Get("elements"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "elements must be a non-negative integer")
				return
			}
			elements = n
		}
		writeJSON(w, http.StatusOK, svc.Decide(op, elements))
	}
}
