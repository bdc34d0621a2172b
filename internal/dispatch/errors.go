package dispatch

import "errors"

var (
	ErrNotStarted     = errors.New("dispatch: service not started")
	ErrEmptySubmit    = errors.New("dispatch: no batches to deliver")
	ErrNoDestination  = errors.New("dispatch: destination is not set")
	ErrDuplicateGroup = errors.New("dispatch: group already delivered")
)
