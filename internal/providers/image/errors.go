package image

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a provider failure. The classification is decided here, in
// the adapter layer, and propagates unchanged to the worker's retry policy.
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindQuotaExhausted Kind = "quota_exhausted"
	KindBadResponse    Kind = "bad_response"
	KindInvalidRequest Kind = "invalid_request"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindUnavailable    Kind = "unavailable"
)

// ProviderError labels a failed provider call with its classification.
type ProviderError struct {
	Provider string
	Kind     Kind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is expected to succeed on retry.
func (e *ProviderError) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindNetwork, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// IsTransient reports whether an error from the adapter layer (or a deadline
// overrun around it) should be retried. Anything unclassified is fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// classifyStatus maps a non-2xx provider HTTP response to a ProviderError.
func classifyStatus(provider string, status int, body string) *ProviderError {
	body = strings.TrimSpace(body)
	msg := fmt.Sprintf("status %d: %s", status, body)
	lower := strings.ToLower(body)
	switch {
	case status == 429:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "billing") {
			return &ProviderError{Provider: provider, Kind: KindQuotaExhausted, Message: msg}
		}
		return &ProviderError{Provider: provider, Kind: KindRateLimited, Message: msg}
	case status == 402:
		return &ProviderError{Provider: provider, Kind: KindQuotaExhausted, Message: msg}
	case status >= 500:
		return &ProviderError{Provider: provider, Kind: KindUnavailable, Message: msg}
	default:
		return &ProviderError{Provider: provider, Kind: KindInvalidRequest, Message: msg}
	}
}

// wrapTransport classifies an error returned by the HTTP client itself.
func wrapTransport(provider string, err error) *ProviderError {
	kind := KindNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}
