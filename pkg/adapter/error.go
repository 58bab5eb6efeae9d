package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrAdapterTimeout is wrapped by the executor when a model call outlives the
// per-call timeout of its execution mode. It counts as a transient failure.
var ErrAdapterTimeout = errors.New("adapter timeout")

// AdapterError is returned by provider clients. Status carries the HTTP status
// when the provider reported one; Temporary marks failures such as empty
// completions that a second attempt may fix. The executor retries a model
// only while IsTransient holds; anything else moves on to the fallback.
type AdapterError struct {
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// retryable: rate limits and provider-side failures. Any other 4xx means the
// request itself was rejected and will be rejected again.
func (e *AdapterError) retryable() bool {
	if e.Temporary {
		return true
	}
	return e.Status == http.StatusTooManyRequests ||
		(e.Status >= http.StatusInternalServerError && e.Status <= 599)
}

// IsTransient reports whether a failed model call may be retried on the same
// model. Cancellation of the task is never transient.
func IsTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrAdapterTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	return errors.As(err, &adapterErr) && adapterErr.retryable()
}
