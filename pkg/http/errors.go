package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	ErrHeadNotSupported   = errors.New("HEAD method not supported by server")
	ErrRangesNotSupported = errors.New("byte ranges not supported by server")

	ErrTimeout         = errors.New("operation timed out")
	ErrChunkTimeout    = errors.New("chunk read timed out")
	ErrNetworkProblem  = errors.New("network-related error")
	ErrRequestCreation = errors.New("failed to create request")

	ErrServerProblem    = errors.New("server error (5xx)")
	ErrTooManyRequests  = errors.New("too many requests (429)")
	ErrResourceNotFound = errors.New("resource not found (404)")
	ErrAccessDenied     = errors.New("access denied (403)")
	ErrAuthentication   = errors.New("authentication required (401)")
	ErrGone             = errors.New("resource gone (410)")
	ErrClientRequest    = errors.New("client error (4xx)")

	ErrRetriesExhausted = errors.New("retries exhausted")

	ErrUnknown       = errors.New("unknown error")
	ErrUnexpectedEOF = errors.New("unexpected EOF")
)

// RateLimitError is returned when 429 responses outlast the retry budget.
// RetryAfter carries the server's last hint so callers can schedule a later
// attempt instead of hammering the host.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v: %v", e.RetryAfter, e.Err)
	}

	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// ClassifyHTTPError converts an HTTP status code into an appropriate error.
// Informational and success codes map to nil.
func ClassifyHTTPError(statusCode int) error {
	switch statusCode {
	case http.StatusNotFound:
		return ErrResourceNotFound
	case http.StatusForbidden:
		return ErrAccessDenied
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusGone:
		return ErrGone
	case http.StatusMethodNotAllowed:
		return ErrHeadNotSupported
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangesNotSupported
	case http.StatusTooManyRequests:
		return ErrTooManyRequests
	default:
		switch {
		case statusCode >= http.StatusInternalServerError:
			return ErrServerProblem
		case statusCode >= http.StatusBadRequest:
			return ErrClientRequest
		default:
			return nil
		}
	}
}

// ClassifyError categorizes a transport-level error into a sentinel error.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEOF
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}

		return ErrNetworkProblem
	}

	return ErrNetworkProblem
}

// IsRetryable reports whether an error is worth another attempt. Rate
// limiting is retryable but handled on its own schedule by the caller.
func IsRetryable(err error) bool {
	for _, candidate := range []error{
		ErrNetworkProblem,
		ErrServerProblem,
		ErrTimeout,
		ErrChunkTimeout,
		ErrTooManyRequests,
		ErrUnexpectedEOF,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}

	return false
}

// IsPermanent reports whether retrying can never help: client errors other
// than 429.
func IsPermanent(err error) bool {
	for _, candidate := range []error{
		ErrResourceNotFound,
		ErrAccessDenied,
		ErrAuthentication,
		ErrGone,
		ErrClientRequest,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}

	return false
}
