package transport

import (
	"errors"
	"fmt"
	"time"
)

// ThrottledError is returned when the provider asks the caller to wait before
// retrying (Telegram flood-wait). RetryAfter is the required wait.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled by provider: retry after %s", e.RetryAfter)
}

// Throttled extracts the required wait from err, if err carries one.
func Throttled(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}
