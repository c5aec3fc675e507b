package coordinator

import "errors"

// Coordinator lifecycle and registry errors
var (
	ErrAlreadyRunning     = errors.New("coordinator is already running")
	ErrNotRunning         = errors.New("coordinator is not running")
	ErrNilConnection      = errors.New("connection and security context are required")
	ErrConnectionMismatch = errors.New("security context is bound to another connection")
	ErrConnectionExists   = errors.New("connection already registered")
	ErrUnknownConnection  = errors.New("connection not registered")
	ErrInvalidTransition  = errors.New("invalid connection status transition")
	ErrIdentityChanged    = errors.New("re-authentication changed user or organization")
	ErrInactive           = errors.New("connection is not active")
)

// Feature handler registry errors
var (
	ErrHandlersFrozen   = errors.New("feature handlers are resolved at startup")
	ErrHandlerExists    = errors.New("feature handler already registered")
	ErrInvalidHandler   = errors.New("feature handler must name a non-system feature")
	ErrHandlerTimeout   = errors.New("feature handler did not return in time")
	ErrRoomsUnavailable = errors.New("rooms are not configured")
	ErrUnknownEvent     = errors.New("unknown system event")
)
