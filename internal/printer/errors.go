package printer

import "errors"

var (
	// ErrNotConnected is returned for operations on a printer that has no
	// registered connection or whose session is currently down.
	ErrNotConnected = errors.New("printer not connected")

	// ErrPublish wraps a transport-level publish failure.
	ErrPublish = errors.New("publish failed")

	// ErrConnect wraps a failure to establish the initial session.
	ErrConnect = errors.New("connect failed")
)
