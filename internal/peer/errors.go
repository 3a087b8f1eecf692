package peer

import "errors"

var (
	ErrUnknownPeer   = errors.New("no peer connection for session")
	ErrUnknownSignal = errors.New("unknown signal kind")
)
