package storage

import (
	"errors"
	"fmt"
)

// allocationError signals that a block could not be reserved (capacity exhausted or bad size).
type allocationError struct {
	device int
	nbytes int64
	reason string
}

func (e allocationError) Error() string {
	return fmt.Sprintf("allocation failure: %d bytes on device %d: %s", e.nbytes, e.device, e.reason)
}

// IsAllocationFailure reports whether err indicates exhausted or invalid memory requests.
func IsAllocationFailure(err error) bool {
	var target allocationError
	return errors.As(err, &target)
}

// handleNotFoundError is returned when a handle is not live in the registry.
type handleNotFoundError struct{ h Handle }

func (e handleNotFoundError) Error() string { return fmt.Sprintf("storage handle not found: %d", e.h) }

// ErrHandleNotFound returns the error used for unknown handles.
func ErrHandleNotFound(h Handle) error { return handleNotFoundError{h: h} }

// IsHandleNotFound reports whether err indicates an unknown or retired handle.
func IsHandleNotFound(err error) bool {
	var target handleNotFoundError
	return errors.As(err, &target)
}

// sizeMismatchError is returned by Copy when the requested span does not fit a block.
type sizeMismatchError struct {
	nbytes   int64
	dst, src int64
}

func (e sizeMismatchError) Error() string {
	return fmt.Sprintf("copy of %d bytes does not fit (dst=%d src=%d)", e.nbytes, e.dst, e.src)
}

// IsSizeMismatch reports whether err indicates incompatible copy sizes.
func IsSizeMismatch(err error) bool {
	var target sizeMismatchError
	return errors.As(err, &target)
}
