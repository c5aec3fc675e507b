package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write did not complete before the deadline")
)

// Handler-related errors
var (
	ErrHandshakeTimeout = errors.New("no authentication frame before the handshake deadline")
	ErrMissingToken     = errors.New("first frame must carry an auth token")
)
