// Package worker is a reference remote worker. It executes operations with
// the local kernels against a scratch registry that lives for one call.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"remoted/internal/kernels"
	"remoted/internal/storage"
	"remoted/internal/tensor"
	"remoted/internal/transport"
	"remoted/internal/wire"
)

var executionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "remoted",
		Subsystem: "worker",
		Name:      "executions_total",
		Help:      "Operations executed by the worker",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(executionsTotal)
}

// Config tunes a Worker.
type Config struct {
	Name string
	// CapacityBytes bounds the scratch memory of a single call.
	CapacityBytes int64
	Logger        zerolog.Logger
}

type session struct {
	device      string
	accelerator string
}

// Worker implements transport.WorkerServer.
type Worker struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]session
}

var _ transport.WorkerServer = (*Worker)(nil)

// New constructs a worker.
func New(cfg Config) *Worker {
	if cfg.Name == "" {
		cfg.Name = "remoted-worker"
	}
	return &Worker{cfg: cfg, sessions: make(map[string]session)}
}

// Sessions returns the number of open sessions.
func (w *Worker) Sessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

func (w *Worker) Open(_ context.Context, req *wire.OpenRequest) (*wire.OpenResponse, error) {
	id := uuid.NewString()
	w.mu.Lock()
	w.sessions[id] = session{device: req.Device, accelerator: req.Accelerator}
	w.mu.Unlock()
	w.cfg.Logger.Info().Str("session", id).Str("device", req.Device).Str("accelerator", req.Accelerator).Msg("session opened")
	return &wire.OpenResponse{Session: id, Worker: w.cfg.Name}, nil
}

func (w *Worker) Close(_ context.Context, req *wire.CloseRequest) (*wire.CloseResponse, error) {
	w.mu.Lock()
	_, ok := w.sessions[req.Session]
	delete(w.sessions, req.Session)
	w.mu.Unlock()
	if ok {
		w.cfg.Logger.Info().Str("session", req.Session).Msg("session closed")
	}
	return &wire.CloseResponse{}, nil
}

func (w *Worker) Execute(ctx context.Context, req *wire.ExecuteRequest) (*wire.ExecuteResponse, error) {
	w.mu.Lock()
	_, ok := w.sessions[req.Session]
	w.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown session %q", req.Session)
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	outputs, err := w.run(req)
	if err != nil {
		executionsTotal.WithLabelValues("error").Inc()
		w.cfg.Logger.Debug().Err(err).Str("op", req.Op).Msg("execute failed")
		return &wire.ExecuteResponse{Status: wire.StatusError, Error: err.Error()}, nil
	}
	executionsTotal.WithLabelValues("ok").Inc()
	return &wire.ExecuteResponse{Status: wire.StatusOK, Outputs: outputs}, nil
}

func (w *Worker) run(req *wire.ExecuteRequest) ([]wire.Payload, error) {
	scratch := storage.NewRegistry(storage.Options{CapacityBytes: w.cfg.CapacityBytes})
	defer scratch.Close()

	call, err := req.Call(func(_ int, meta tensor.Metadata, data []byte) (*tensor.Tensor, error) {
		h, err := scratch.Allocate(int64(len(data)), 0)
		if err != nil {
			return nil, err
		}
		block, err := scratch.Resolve(h)
		if err != nil {
			return nil, err
		}
		copy(block, data)
		meta.Handle = h
		return tensor.New(meta), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	out, err := kernels.Run(scratch, call)
	if err != nil {
		return nil, err
	}
	payloads := make([]wire.Payload, 0, len(out))
	for _, t := range out {
		block, err := scratch.Resolve(t.Handle)
		if err != nil {
			return nil, err
		}
		if err := t.Validate(int64(len(block))); err != nil {
			return nil, err
		}
		m := tensor.Contiguous(t.Shape, t.DType, 0, 0)
		payloads = append(payloads, wire.Payload{Meta: wire.MetaOf(m), Data: t.Pack(block)})
	}
	return payloads, nil
}
