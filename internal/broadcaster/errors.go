package broadcaster

import "errors"

var (
	// ErrNotStarted is returned by Stop and by producer calls when the
	// broadcaster is not running.
	ErrNotStarted = errors.New("broadcaster not started")
	// ErrAlreadyRunning is returned by Start while the broadcaster is running.
	ErrAlreadyRunning = errors.New("broadcaster already running")
	// ErrSocketPath wraps failures to bind the requested socket path.
	ErrSocketPath = errors.New("socket path unusable")
	// ErrSerialization is returned when a producer payload cannot be encoded.
	ErrSerialization = errors.New("event serialization failed")
	// ErrIO wraps listener level failures outside of bind.
	ErrIO = errors.New("broadcaster i/o error")
)
