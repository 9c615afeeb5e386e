package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TransportError means the backend could not be reached or answered with a
// non-success status.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError means the backend answered but the text did not contain the
// structured output the caller needed. For retry purposes it is treated
// like a TransportError.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse completion output: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another attempt at the call site.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	var pe *ParseError
	if errors.As(err, &pe) {
		return true
	}
	if errors.As(err, &te) {
		switch ClassifyError(err) {
		case ErrorClassAuth, ErrorClassBilling, ErrorClassContextOverflow:
			return false
		}
		return true
	}
	return false
}

// ErrorClass groups backend failures for logging and retry decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassParse           ErrorClass = "PARSE"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifyError inspects status codes and error text for known patterns.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return ErrorClassParse
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var te *TransportError
	if errors.As(err, &te) {
		switch {
		case te.StatusCode == 401 || te.StatusCode == 403:
			return ErrorClassAuth
		case te.StatusCode == 429:
			return ErrorClassRateLimit
		case te.StatusCode == 402:
			return ErrorClassBilling
		case te.StatusCode == 408 || te.StatusCode == 504:
			return ErrorClassTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
