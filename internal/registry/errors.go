package registry

import (
	"errors"
	"fmt"
)

// crossDeviceError reports an operation whose tensors live on different logical devices.
type crossDeviceError struct {
	first, second       Identity
	firstIdx, secondIdx int
}

func (e crossDeviceError) Error() string {
	return fmt.Sprintf("cannot operate across remote devices %q (index %d) and %q (index %d); transfer to host first",
		e.first, e.firstIdx, e.second, e.secondIdx)
}

// IsCrossDevice reports whether err rejects a multi-device operation.
func IsCrossDevice(err error) bool {
	var target crossDeviceError
	return errors.As(err, &target)
}

// unknownDeviceError is returned for indices that were never registered or were released.
type unknownDeviceError struct{ index int }

func (e unknownDeviceError) Error() string { return fmt.Sprintf("unknown device index %d", e.index) }

// ErrUnknownDevice constructs an unknownDeviceError.
func ErrUnknownDevice(index int) error { return unknownDeviceError{index: index} }

// IsUnknownDevice reports whether err refers to a missing device index.
func IsUnknownDevice(err error) bool {
	var target unknownDeviceError
	return errors.As(err, &target)
}
