package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrRetryExhausted is wrapped by RateLimitError.
	ErrRetryExhausted = errors.New("rate limit retries exhausted")

	// ErrDispatcherClosed is returned for requests submitted or still queued
	// after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// APIError is any non-429 error response. It is never retried by the
// dispatcher.
type APIError struct {
	StatusCode int
	Code       int // API-specific error code from the body, 0 if absent
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the entity does not exist.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the credentials were rejected.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newAPIError(resp *Response) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       resp.Body,
	}
	var b errorBody
	if json.Unmarshal(resp.Body, &b) == nil {
		e.Code = b.Code
		if b.Message != "" {
			e.Message = b.Message
		}
	}
	return e
}

// IsNotFound reports whether err is a not-found APIError.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}

// RateLimitError is returned when a request kept receiving 429 responses
// past the retry budget.
type RateLimitError struct {
	Route      string
	Bucket     string
	Global     bool
	RetryAfter time.Duration // Last wait the server asked for
	Attempts   int
}

func (e *RateLimitError) Error() string {
	scope := "bucket " + e.Bucket
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("%s: %s after %d attempts (%s, retry after %s)",
		ErrRetryExhausted, e.Route, e.Attempts, scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRetryExhausted
}
