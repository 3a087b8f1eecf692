package realtime

import "errors"

var (
	ErrClientClosed    = errors.New("realtime client is closed")
	ErrMissingIdentity = errors.New("identity needs a user id and a credential")
	ErrMissingRoom     = errors.New("room id is required")
	ErrNoSessionID     = errors.New("join ticket carries no session id")
)
