package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrTransient marks a network/rate-limit/timeout failure that a caller
	// may retry with backoff.
	ErrTransient = errors.New("transient exchange error")

	// ErrUnresolvedSize means the exchange-reported position size could not
	// be determined. Close paths must fail on it, never fall back to a
	// cached size.
	ErrUnresolvedSize = errors.New("position size could not be resolved")

	// ErrNoPosition means a close was requested for a symbol with no open
	// exchange position.
	ErrNoPosition = errors.New("no open position")
)

// Transient wraps err so that errors.Is(result, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsTransient reports whether err should be retried. It recognizes wrapped
// ErrTransient values, context deadline expiry, net errors, and the
// exchange error codes for disconnects and rate limiting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Exchange codes: -1001 DISCONNECTED, -1003 TOO_MANY_REQUESTS,
	// -1015 TOO_MANY_ORDERS, -1016 SERVICE_SHUTTING_DOWN
	msg := err.Error()
	for _, code := range []string{"-1001", "-1003", "-1015", "-1016"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// statusRetryable reports whether an HTTP status is worth retrying:
// rate limits (429, 418) and server errors (5xx).
func statusRetryable(status int) bool {
	return status == 429 || status == 418 || status >= 500
}
