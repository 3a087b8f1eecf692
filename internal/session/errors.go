package session

import "errors"

var (
	ErrRoomClosed    = errors.New("room has been left or its transport closed")
	ErrAlreadyJoined = errors.New("room join already in progress or complete")
	ErrNotJoined     = errors.New("room is not joined")
	ErrEmptyChat     = errors.New("chat text cannot be empty")
)
