package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/haven/internal/reliability"
)

var (
	ErrNotConfigured = errors.New("completion service not configured")
	ErrEmptyReply    = errors.New("completion service returned an empty reply")
)

// StatusError reports a non-success HTTP status from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Code, e.Body)
}

// FailureClass buckets a completion error for metrics and logs.
func FailureClass(err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrEmptyReply):
		return "empty_reply"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &statusErr):
		if reliability.IsRetryableHTTPStatus(statusErr.Code) {
			return "transient"
		}
		return "permanent"
	default:
		return "transport"
	}
}
