package subscription

import "errors"

var ErrClosed = errors.New("subscription registry closed")
