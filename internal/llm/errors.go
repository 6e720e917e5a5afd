package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrorType categorizes provider errors for failover and user messaging.
type ErrorType string

const (
	ErrorTypeUnknown         ErrorType = "unknown"
	ErrorTypeContextOverflow ErrorType = "context_overflow"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeOverloaded      ErrorType = "overloaded"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeBilling         ErrorType = "billing"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeConnection      ErrorType = "connection"
	ErrorTypeFormat          ErrorType = "format"
)

// Classify determines the error type of a provider error.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	return ClassifyError(err.Error())
}

// ClassifyError determines the error type from an error message, checking in
// order of specificity.
func ClassifyError(msg string) ErrorType {
	lower := strings.ToLower(msg)
	switch {
	case lower == "":
		return ErrorTypeUnknown
	case containsAny(lower, "context_length_exceeded", "context length exceeded", "maximum context length",
		"prompt is too long", "request_too_large", "context size has been exceeded"):
		return ErrorTypeContextOverflow
	case containsAny(lower, "429", "rate_limit", "rate limit", "too many requests", "quota exceeded",
		"resource_exhausted"):
		return ErrorTypeRateLimit
	case containsAny(lower, "overloaded", "server is busy", "temporarily unavailable", "status 503", "status 529"):
		return ErrorTypeOverloaded
	case containsAny(lower, "402", "payment required", "insufficient credits", "credit balance",
		"billing", "insufficient_quota"):
		return ErrorTypeBilling
	case containsAny(lower, "401", "403", "invalid api key", "invalid_api_key", "incorrect api key",
		"unauthorized", "forbidden", "authentication", "api_key not configured"):
		return ErrorTypeAuth
	case containsAny(lower, "timeout", "timed out", "deadline exceeded", "408", "504"):
		return ErrorTypeTimeout
	case containsAny(lower, "connection refused", "connection reset", "no such host", "eof",
		"network is unreachable", "tls handshake"):
		return ErrorTypeConnection
	case containsAny(lower, "invalid_request_error", "roles must alternate", "malformed",
		"schema validation"):
		return ErrorTypeFormat
	}
	return ErrorTypeUnknown
}

// IsFailoverError reports whether another provider should be tried.
// A request the next provider would reject the same way is not retried.
func IsFailoverError(t ErrorType) bool {
	switch t {
	case ErrorTypeContextOverflow, ErrorTypeFormat:
		return false
	default:
		return true
	}
}

// FormatErrorForUser returns a short user-facing message for an error type.
func FormatErrorForUser(t ErrorType) string {
	switch t {
	case ErrorTypeContextOverflow:
		return "The conversation is too long for the model. Start over with a shorter message."
	case ErrorTypeRateLimit:
		return "Rate limited by the AI provider. Please wait a moment and try again."
	case ErrorTypeOverloaded:
		return "The AI service is temporarily overloaded. Please try again in a moment."
	case ErrorTypeAuth:
		return "Authentication with the AI provider failed. Check the API key configuration."
	case ErrorTypeBilling:
		return "Billing issue with the AI provider. Check the account credits."
	case ErrorTypeTimeout:
		return "The AI provider timed out. Please try again."
	case ErrorTypeConnection:
		return "Could not reach the AI provider."
	case ErrorTypeFormat:
		return "The AI provider rejected the request format."
	default:
		return "The AI provider returned an error."
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
