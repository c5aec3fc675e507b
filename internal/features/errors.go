package features

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("feature hub is already running")
	ErrHubNotRunning     = errors.New("feature hub is not running")
	ErrQueueFull         = errors.New("feature queue is full")
	ErrUnexpectedPayload = errors.New("payload does not belong to this feature")
)
