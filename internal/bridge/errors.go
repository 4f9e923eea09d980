package bridge

import "errors"

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("bridge: already started")
