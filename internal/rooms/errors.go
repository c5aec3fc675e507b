package rooms

import "errors"

var (
	ErrNotAdmitted   = errors.New("connection may not join this room")
	ErrRoomExists    = errors.New("room already exists")
	ErrInvalidRoomID = errors.New("invalid room id")
)
