package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"remoted/internal/daemon"
	"remoted/internal/kernels"
	"remoted/internal/registry"
	"remoted/internal/session"
	"remoted/internal/storage"
	"remoted/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps a service error to an HTTP status. Unrecognized errors use def.
func statusFor(err error, def int) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case registry.IsCrossDevice(err):
		return http.StatusConflict
	case registry.IsUnknownDevice(err), storage.IsHandleNotFound(err):
		return http.StatusNotFound
	case session.IsTooBusy(err):
		return http.StatusTooManyRequests
	case session.IsRemoteUnavailable(err), daemon.IsClosed(err):
		return http.StatusServiceUnavailable
	case session.IsRemoteTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case session.IsRemoteExecution(err):
		return http.StatusBadGateway
	case kernels.IsUnsupportedOp(err):
		return http.StatusNotImplemented
	case storage.IsAllocationFailure(err):
		return http.StatusInsufficientStorage
	}
	return def
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}
