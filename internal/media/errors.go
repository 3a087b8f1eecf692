package media

import "errors"

var (
	ErrResourceBusy = errors.New("media device is already in use")
	ErrNoKinds      = errors.New("at least one media kind is required")
	ErrUnknownKind  = errors.New("unknown media kind")
)
