package socket

import "errors"

var (
	// ErrNoToken means the token provider had no bearer token; no transport
	// open was attempted.
	ErrNoToken = errors.New("socket: no auth token available")

	// ErrConnectTimeout means the dial did not complete within the connect
	// timeout.
	ErrConnectTimeout = errors.New("socket: connect timed out")

	// ErrNotConnected is returned by emissions that require a live transport.
	ErrNotConnected = errors.New("socket: not connected")

	// ErrConnectAborted means Disconnect was called while the dial was in
	// flight; the freshly opened transport was discarded instead of adopted.
	ErrConnectAborted = errors.New("socket: connect aborted by disconnect")

	// ErrRetriesExhausted means the automatic reconnect loop used up its
	// attempt budget without re-establishing the connection. It is carried
	// on the reconnect_failed payload.
	ErrRetriesExhausted = errors.New("socket: reconnect attempts exhausted")

	// ErrSendBufferFull means the outbound queue for the live connection is
	// full; the frame was dropped.
	ErrSendBufferFull = errors.New("socket: send buffer full")
)
