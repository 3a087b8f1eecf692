package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotConnected      = errors.New("transport not connected")
	ErrClosed            = errors.New("transport closed")
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrAlreadyStarted    = errors.New("transport already started")
	ErrInvalidEndpoint   = errors.New("endpoint must be a ws:// or wss:// URL")
	ErrMissingCredential = errors.New("credential is required")
	ErrInvalidPayload    = errors.New("payload must be valid JSON")
)

// ConnectError is a failed websocket handshake. StatusCode is 0 when the
// failure happened before an HTTP response, e.g. connection refused.
type ConnectError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect %s: HTTP %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Permanent reports failures that retrying cannot fix: a rejected
// credential or an unknown endpoint.
func (e *ConnectError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err wraps a permanent ConnectError.
func IsPermanent(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Permanent()
}
