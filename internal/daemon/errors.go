package daemon

import "errors"

// closedError is returned for work submitted after Shutdown began.
type closedError struct{}

func (closedError) Error() string { return "execution daemon is shut down" }

// IsClosed reports whether err came from a daemon that no longer accepts work.
func IsClosed(err error) bool {
	var target closedError
	return errors.As(err, &target)
}
