package llm

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode aligns gateway errors with HTTP status and retryability.
type ErrorCode string

const (
	ErrNoActiveProvider    ErrorCode = "LLM_NO_ACTIVE_PROVIDER"    // catalog resolved but nothing selected
	ErrUnknownProvider     ErrorCode = "LLM_UNKNOWN_PROVIDER"      // active id not present in catalog
	ErrUnknownProviderType ErrorCode = "LLM_UNKNOWN_PROVIDER_TYPE" // provider_type not openai/anthropic
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"       // bad parameters or malformed request
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"          // missing or expired credential
	ErrForbidden           ErrorCode = "LLM_FORBIDDEN"             // permission or content policy refusal
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"          // upstream throttling
	ErrQuotaExceeded       ErrorCode = "LLM_QUOTA_EXCEEDED"        // credits or quota exhausted
	ErrModelOverloaded     ErrorCode = "LLM_MODEL_OVERLOADED"      // upstream 529
	ErrInvalidStatusCode   ErrorCode = "LLM_INVALID_STATUS_CODE"   // non-success status on stream open
	ErrInvalidContentType  ErrorCode = "LLM_INVALID_CONTENT_TYPE"  // server did not start an event stream
	ErrMalformedResponse   ErrorCode = "LLM_MALFORMED_RESPONSE"    // payload failed parse or conversion
	ErrUpstreamTimeout     ErrorCode = "LLM_UPSTREAM_TIMEOUT"      // upstream timed out
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"        // upstream 5xx or network failure
)

// Error is the typed error surfaced by the gateway. It carries the upstream
// HTTP status and best-effort body text so failures stay diagnosable, and a
// Retryable flag consumed by the retry classifier.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapHTTPError maps a non-success HTTP status to a typed *Error with the
// appropriate retry marking. Shared by both backend adapters.
func MapHTTPError(status int, msg string, provider string) *Error {
	switch status {
	case http.StatusUnauthorized:
		return &Error{Code: ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &Error{Code: ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &Error{Code: ErrUpstreamTimeout, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		msgLower := strings.ToLower(msg)
		if strings.Contains(msgLower, "quota") ||
			strings.Contains(msgLower, "credit") ||
			strings.Contains(msgLower, "billing") {
			return &Error{Code: ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &Error{Code: ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return &Error{Code: ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case 529: // model overloaded, used by Anthropic
		return &Error{Code: ErrModelOverloaded, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &Error{
			Code:       ErrInvalidStatusCode,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Provider:   provider,
		}
	}
}
