// Package gateway orchestrates inbound API requests: credential validation,
// rate limiting, authorization, handler dispatch and response assembly.
package gateway

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the stable, programmatic error identifier carried on every
// failed response.
type ErrorCode string

const (
	CodeInvalidAPIKey           ErrorCode = "INVALID_API_KEY"
	CodeRateLimitExceeded       ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	CodeValidationError         ErrorCode = "VALIDATION_ERROR"
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus maps an error code to the HTTP status used on the wire.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeInsufficientPermissions:
		return http.StatusForbidden
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Request is the inbound request envelope handed to the dispatcher.
type Request struct {
	Method  string                 `json:"method"`
	Path    string                 `json:"path"`
	Headers map[string]string      `json:"headers,omitempty"`
	Query   map[string]string      `json:"query,omitempty"`
	Body    map[string]interface{} `json:"body,omitempty"`
	APIKey  string                 `json:"apiKey"`
}

// Error is the structured error carried on a failed response. It implements
// error so resource handlers can return one directly and have the dispatcher
// pass it through unchanged.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFoundError builds a NOT_FOUND handler error.
func NotFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// ValidationError builds a VALIDATION_ERROR handler error.
func ValidationError(message string) *Error {
	return &Error{Code: CodeValidationError, Message: message}
}

// Metadata is attached to every response. The rate-limit fields are present
// once the rate limiter has been consulted; RetryAfter only on denial.
type Metadata struct {
	Timestamp          time.Time  `json:"timestamp"`
	RequestID          string     `json:"requestId"`
	DurationMS         int64      `json:"durationMs"`
	RateLimitLimit     *int       `json:"rateLimitLimit,omitempty"`
	RateLimitRemaining *int       `json:"rateLimitRemaining,omitempty"`
	RateLimitReset     *time.Time `json:"rateLimitReset,omitempty"`
	RetryAfter         *int       `json:"retryAfter,omitempty"`
}

// Response is the outbound response envelope.
type Response struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Error    *Error      `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}
