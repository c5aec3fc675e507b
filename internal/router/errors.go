package router

import "errors"

var (
	ErrRouterStopped   = errors.New("router is stopped")
	ErrNoRecipients    = errors.New("destination resolved to zero live connections")
	ErrQueueFull       = errors.New("destination queue is full")
	ErrNilMessage      = errors.New("message is nil")
	ErrAlreadyRunning  = errors.New("router is already running")
	ErrUnknownRuleKind = errors.New("unknown rule action")
)
