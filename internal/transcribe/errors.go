package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrModelInit marks a strategy that could not load its model.
	ErrModelInit = errors.New("transcribe: model initialization failed")
	// ErrNoStrategy is returned when no configured strategy is available.
	ErrNoStrategy = errors.New("transcribe: no transcription strategy available")
)

// Kind classifies a transcription failure.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindNetwork        Kind = "network"
	KindValidation     Kind = "validation"
	KindAPI            Kind = "generic_api"
	KindNoContent      Kind = "no_content"
	KindModel          Kind = "model"
	KindUnavailable    Kind = "unavailable"
)

// Retryable reports whether repeating the same request may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuthentication, KindValidation, KindNoContent:
		return false
	}
	return true
}

// Fallbackable reports whether another strategy may succeed where this
// one failed. Problems with the segment itself follow it everywhere.
func (k Kind) Fallbackable() bool {
	return k != KindValidation && k != KindNoContent
}

// Error is a classified transcription failure.
type Error struct {
	Kind     Kind
	Strategy string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcribe: %s: %s: %v", e.Strategy, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindAPI when err is not an *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindAPI
}

// categorize maps an error from the remote API client to a Kind. Status
// codes win over transport errors, which win over message text.
func categorize(err error) Kind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if k, ok := kindForStatus(apiErr.HTTPStatusCode); ok {
			return k
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if k, ok := kindForStatus(reqErr.HTTPStatusCode); ok {
			return k
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "authentication", "api key", "unauthorized"):
		return KindAuthentication
	case containsAny(msg, "rate limit", "quota", "too many requests"):
		return KindRateLimit
	case containsAny(msg, "timeout", "connection", "network"):
		return KindNetwork
	case containsAny(msg, "validation", "invalid"):
		return KindValidation
	}
	return KindAPI
}

func kindForStatus(code int) (Kind, bool) {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuthentication, true
	case code == http.StatusTooManyRequests:
		return KindRateLimit, true
	case code == http.StatusBadRequest,
		code == http.StatusRequestEntityTooLarge,
		code == http.StatusUnprocessableEntity:
		return KindValidation, true
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindNetwork, true
	case code >= 500:
		return KindAPI, true
	}
	return "", false
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
