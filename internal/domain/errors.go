package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoAccounts        = errors.New("no accounts available")
	ErrFirstByteTimeout  = errors.New("first byte timeout")
	ErrStreamIdleTimeout = errors.New("stream idle timeout")
	ErrUpstreamError     = errors.New("upstream error")
	ErrFormatConversion  = errors.New("format conversion error")
	ErrModelCoolingDown  = errors.New("model cooling down")
)

// ProxyError represents an error during proxy execution.
type ProxyError struct {
	Err        error
	Retryable  bool
	Message    string
	StatusCode int
	RetryAfter time.Duration
}

func (e *ProxyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

func NewProxyError(err error, retryable bool) *ProxyError {
	return &ProxyError{Err: err, Retryable: retryable}
}

func NewProxyErrorWithMessage(err error, retryable bool, msg string) *ProxyError {
	return &ProxyError{Err: err, Retryable: retryable, Message: msg}
}

// NewRateLimitError builds a 429 ProxyError carrying the upstream cooldown.
func NewRateLimitError(err error, retryAfter time.Duration, msg string) *ProxyError {
	return &ProxyError{
		Err:        err,
		Retryable:  true,
		Message:    msg,
		StatusCode: 429,
		RetryAfter: retryAfter,
	}
}
