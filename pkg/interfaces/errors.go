package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrRoomNotFound = errors.New("room not found")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)
