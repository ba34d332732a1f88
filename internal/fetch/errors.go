package fetch

import (
	"errors"
	"fmt"
)

// Error kinds as recorded in the ledger and on metrics labels.
const (
	KindTimeout        = "timeout"
	KindNetwork        = "network"
	KindHTTPStatus     = "http_status"
	KindInvalidContent = "invalid_content"
)

// TimeoutError represents a request that exceeded the per-request deadline.
// Retryable.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout fetching %s", e.URL)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NetworkError represents connection-level failures: refused connections,
// DNS errors, resets. Retryable.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError represents a non-2xx HTTP response. Treated as permanent for
// the URL within a run: no retry.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Code, e.URL)
}

// InvalidContentError represents a response body that is not a usable image:
// empty, oversized, or not image-typed. No retry.
type InvalidContentError struct {
	URL    string
	Reason string
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content from %s: %s", e.URL, e.Reason)
}

// Kind maps a classified fetch error to its stable label. Unclassified
// errors map to the network kind so nothing is ever silently swallowed.
func Kind(err error) string {
	var (
		timeoutErr *TimeoutError
		statusErr  *StatusError
		contentErr *InvalidContentError
		networkErr *NetworkError
	)

	switch {
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.As(err, &contentErr):
		return KindInvalidContent
	case errors.As(err, &networkErr):
		return KindNetwork
	}

	return KindNetwork
}

// retryable reports whether a classified error is worth another attempt.
// Only transport-level failures are; HTTP statuses and bad content are
// permanent for the URL in this run.
func retryable(err error) bool {
	kind := Kind(err)

	return kind == KindTimeout || kind == KindNetwork
}
