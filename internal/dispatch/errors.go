package dispatch

import "errors"

var (
	ErrTopicRegistered  = errors.New("topic already has a handler")
	ErrNilHandler       = errors.New("handler cannot be nil")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)
