package types

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyFrame         = errors.New("empty frame")
	ErrMissingType        = errors.New("missing type discriminator")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrMissingSession     = errors.New("fromSession is required")
	ErrReservedSession    = errors.New("fromSession uses the reserved local id")
	ErrInvalidRole        = errors.New("invalid role: must be PRESENTER or ATTENDEE")
	ErrInvalidSignalKind  = errors.New("invalid signaling kind")
	ErrMissingSDP         = errors.New("offer or answer without sdp")
	ErrMissingCandidate   = errors.New("candidate event without candidate")
	ErrMissingPresenceKey = errors.New("presence update without key")
	ErrInvalidTopic       = errors.New("topic must be 1-200 characters of [a-zA-Z0-9_.:/-]")
	ErrMissingMessage     = errors.New("message event without message")
	ErrMissingMessageID   = errors.New("message without id")
	ErrEmptyMessage       = errors.New("message needs text or an attachment")
)

// DecodeError reports a frame that could not be turned into an Event.
// It never leaves the dispatcher.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %s frame: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
