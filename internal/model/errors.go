package model

import "errors"

var (
	// ErrListenerNotFound means the handshake exhausted its retries
	// without a pong. Fatal to the caller's current operation.
	ErrListenerNotFound = errors.New("privileged listener not found")

	// ErrMalformedResponse means a response lacked its expected payload.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrSnapshotUnavailable means a cached snapshot has not been
	// published yet. Transient.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")

	// ErrTransport means the bus cannot carry messages (closed or
	// disconnected).
	ErrTransport = errors.New("bus transport unavailable")
)
