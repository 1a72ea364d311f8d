// Package llmclient provides the concrete model backends behind the
// llm.LLMClient interface: the LiteLLM proxy (OpenAI wire format),
// Anthropic, Ollama, and Google Gemini.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies provider failures for logging and metrics labels.
type ErrorType int8

const (
	// ErrorTypeRateLimit represents rate limiting (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient failures (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 with no usable content.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth represents authentication failures (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadRequest represents malformed requests (too long, invalid roles).
	ErrorTypeBadRequest
	// ErrorTypeUnknown is the default for unclassified failures.
	ErrorTypeUnknown
)

// String returns the metrics label for the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// ProviderError is a classified failure from one of the model backends.
type ProviderError struct {
	Err        error
	Provider   string
	Message    string
	Type       ErrorType
	StatusCode int
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Type, e.Err)
	default:
		return fmt.Sprintf("%s provider error (%s): status %d", e.Provider, e.Type, e.StatusCode)
	}
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying. Auth and bad
// request failures repeat deterministically, everything else may clear.
func (e *ProviderError) Retryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadRequest:
		return false
	default:
		return true
	}
}

// TypeOf returns the error type of err, or ErrorTypeUnknown when err is not
// a ProviderError.
func TypeOf(err error) ErrorType {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrorTypeUnknown
}

func newError(provider string, t ErrorType, message string) *ProviderError {
	return &ProviderError{Provider: provider, Type: t, Message: message}
}

func newErrorWithCause(provider string, t ErrorType, cause error, message string) *ProviderError {
	return &ProviderError{Provider: provider, Type: t, Err: cause, Message: message}
}

// classifyError maps an SDK error onto the taxonomy. All providers report
// failures as opaque errors, so classification leans on status codes embedded
// in the message and common text patterns.
func classifyError(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newErrorWithCause(provider, ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return newErrorWithCause(provider, ErrorTypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	switch extractStatusCode(errStr) {
	case 401, 403:
		return &ProviderError{Provider: provider, Type: ErrorTypeAuth, Err: err, StatusCode: extractStatusCode(errStr), Message: "authentication failed"}
	case 429:
		return &ProviderError{Provider: provider, Type: ErrorTypeRateLimit, Err: err, StatusCode: 429, Message: "rate limit exceeded"}
	case 400:
		return &ProviderError{Provider: provider, Type: ErrorTypeBadRequest, Err: err, StatusCode: 400, Message: "bad request"}
	case 500, 502, 503, 504:
		return &ProviderError{Provider: provider, Type: ErrorTypeTransient, Err: err, StatusCode: extractStatusCode(errStr), Message: "server error"}
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(errStr, "EOF"),
		strings.Contains(lower, "reset"):
		return newErrorWithCause(provider, ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return newErrorWithCause(provider, ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"):
		return newErrorWithCause(provider, ErrorTypeAuth, err, "authentication error")
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "malformed"), strings.Contains(lower, "too large"):
		return newErrorWithCause(provider, ErrorTypeBadRequest, err, "request error")
	}

	return newErrorWithCause(provider, ErrorTypeUnknown, err, "unclassified error")
}

// extractStatusCode pulls an HTTP status code out of an SDK error string.
// The SDKs embed codes in text rather than exposing them structurally.
func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	patterns := []string{"status code: ", "status: ", "http "}

	for _, pattern := range patterns {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		rest := errStr[idx+len(pattern):]
		for _, code := range []string{"400", "401", "403", "429", "500", "502", "503", "504"} {
			if strings.HasPrefix(rest, code) {
				switch code {
				case "400":
					return 400
				case "401":
					return 401
				case "403":
					return 403
				case "429":
					return 429
				case "500":
					return 500
				case "502":
					return 502
				case "503":
					return 503
				case "504":
					return 504
				}
			}
		}
	}
	return 0
}
