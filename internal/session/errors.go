package session

import (
	"errors"
	"fmt"
	"time"
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ device int }

func (e tooBusyError) Error() string { return fmt.Sprintf("too busy: device %d", e.device) }

// IsTooBusy reports whether err indicates backpressure.
func IsTooBusy(err error) bool {
	var target tooBusyError
	return errors.As(err, &target)
}

// remoteUnavailableError means a session could not be started.
type remoteUnavailableError struct {
	device string
	err    error
}

func (e remoteUnavailableError) Error() string {
	return fmt.Sprintf("remote device %s unavailable: %v", e.device, e.err)
}

func (e remoteUnavailableError) Unwrap() error { return e.err }

// IsRemoteUnavailable reports whether err came from a failed session start.
func IsRemoteUnavailable(err error) bool {
	var target remoteUnavailableError
	return errors.As(err, &target)
}

// remoteTimeoutError means a call outlived the per-call timeout.
type remoteTimeoutError struct {
	device  string
	op      string
	timeout time.Duration
}

func (e remoteTimeoutError) Error() string {
	return fmt.Sprintf("remote call %s on %s timed out after %s", e.op, e.device, e.timeout)
}

// IsRemoteTimeout reports whether err is a per-call timeout.
func IsRemoteTimeout(err error) bool {
	var target remoteTimeoutError
	return errors.As(err, &target)
}

// remoteExecutionError carries a transport failure or the worker's error detail.
type remoteExecutionError struct {
	device string
	op     string
	detail string
	err    error
}

func (e remoteExecutionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("remote call %s on %s failed: %v", e.op, e.device, e.err)
	}
	return fmt.Sprintf("remote call %s on %s failed: %s", e.op, e.device, e.detail)
}

func (e remoteExecutionError) Unwrap() error { return e.err }

// IsRemoteExecution reports whether err came from the transport or the worker.
func IsRemoteExecution(err error) bool {
	var target remoteExecutionError
	return errors.As(err, &target)
}

var errManagerClosed = errors.New("session manager closed")

var errNoDialer = errors.New("no dialer configured")
