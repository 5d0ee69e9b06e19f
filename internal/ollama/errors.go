package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TimeoutError means the backend did not answer within the configured deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ollama %s timed out after %v: %v", e.Op, e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError covers connection failures and non-2xx responses.
type TransportError struct {
	Op         string
	StatusCode int // zero when no response was received
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ollama %s returned status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("ollama %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the response could not be decoded or lacked the
// expected field.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ollama %s returned an unexpected body: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// classify maps an http.Client error onto the error taxonomy.
func classify(op string, timeout time.Duration, err error) error {
	if isTimeout(err) {
		return &TimeoutError{Op: op, Timeout: timeout, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
