package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error kinds used as metric labels.
const (
	kindTimeout     = "timeout"
	kindConnection  = "connection"
	kindServerError = "server_error"
	kindRateLimited = "rate_limited"
	kindClientError = "client_error"
	kindMalformed   = "malformed"
)

// ErrTooManyPageFailures aborts a crawl after consecutive skipped pages.
var ErrTooManyPageFailures = errors.New("too many consecutive page failures")

// TransientFetchError is a failure worth retrying: network errors,
// timeouts, 5xx, 408 and 429.
type TransientFetchError struct {
	Op         string
	Kind       string
	StatusCode int
	Err        error
}

func (e TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e TransientFetchError) Unwrap() error {
	return e.Err
}

// FatalFetchError is a failure that retrying will not fix, such as a 4xx
// or an undecodable response body.
type FatalFetchError struct {
	Op         string
	Kind       string
	StatusCode int
	Err        error
}

func (e FatalFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e FatalFetchError) Unwrap() error {
	return e.Err
}

// ParseError reports a response that decoded but lacked a required field.
type ParseError struct {
	Field string
	Err   error
}

func (e ParseError) Error() string {
	return fmt.Errorf("parse %s: %w", e.Field, e.Err).Error()
}

func (e ParseError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var transient TransientFetchError
	return errors.As(err, &transient)
}

// IsFatal reports whether err is a non-retryable fetch failure.
func IsFatal(err error) bool {
	var fatal FatalFetchError
	return errors.As(err, &fatal)
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var transient TransientFetchError
	if errors.As(err, &transient) {
		return transient.Kind
	}
	var fatal FatalFetchError
	if errors.As(err, &fatal) {
		return fatal.Kind
	}
	var parseErr ParseError
	if errors.As(err, &parseErr) {
		return "parse"
	}
	return "other"
}

// classifyError maps a transport error or HTTP status to the taxonomy.
// Cancellation passes through untouched.
func classifyError(op string, err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusRequestTimeout:
			return TransientFetchError{Op: op, Kind: kindTimeout, StatusCode: statusCode, Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return TransientFetchError{Op: op, Kind: kindRateLimited, StatusCode: statusCode, Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return TransientFetchError{Op: op, Kind: kindServerError, StatusCode: statusCode, Err: wrapped}
		case statusCode >= http.StatusBadRequest:
			return FatalFetchError{Op: op, Kind: kindClientError, StatusCode: statusCode, Err: wrapped}
		default:
			return FatalFetchError{Op: op, Kind: "other", StatusCode: statusCode, Err: wrapped}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TransientFetchError{Op: op, Kind: kindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientFetchError{Op: op, Kind: kindTimeout, Err: err}
	}
	// anything else below the HTTP layer is treated as a connection failure
	return TransientFetchError{Op: op, Kind: kindConnection, Err: err}
}
