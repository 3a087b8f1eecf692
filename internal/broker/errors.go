package broker

import "errors"

var (
	ErrNilConnection      = errors.New("connection cannot be nil")
	ErrConnectionClosed   = errors.New("connection is closed")
	ErrSendBufferFull     = errors.New("connection send buffer is full")
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrMissingTopic       = errors.New("frame topic is required")
	ErrMissingPayload     = errors.New("publish frame needs a payload")
	ErrUnknownOp          = errors.New("unknown frame op")
	ErrRateLimited        = errors.New("publish rate limit exceeded")
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrPublishChannelFull = errors.New("publish channel is full")
)
