package hipporag

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/dan-solli/hipporag/pkg/indexer"
)

// Error type constants, matching the error taxonomy: a caller is
// configuring the system wrong, an invariant inside the pipeline broke,
// a dependency call failed transiently, the input content is unusable,
// referenced data is missing, or a component silently fell back to a
// degraded path.
const (
	ErrTypeConfiguration     = "configuration"
	ErrTypeInvariant         = "invariant"
	ErrTypeExternalTransient = "external_transient"
	ErrTypeContent           = "content"
	ErrTypeMissingData       = "missing_data"
	ErrTypeFallback          = "fallback"
	ErrTypeUnknown           = "unknown"
)

// ClassifyError inspects an error and returns its taxonomy classification
// for metrics and trace labeling.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, indexer.ErrOfflineOpenIE) {
		return ErrTypeConfiguration
	}

	errStrLower := strings.ToLower(err.Error())

	// Transient dependency failures: network, timeouts, rate limits.
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errStrLower, "timeout") ||
		strings.Contains(errStrLower, "deadline exceeded") ||
		strings.Contains(errStrLower, "rate limit") {
		return ErrTypeExternalTransient
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return ErrTypeExternalTransient
	}
	if strings.Contains(errStrLower, "connection refused") ||
		strings.Contains(errStrLower, "connection reset") ||
		strings.Contains(errStrLower, "no such host") ||
		strings.Contains(errStrLower, "network is unreachable") ||
		strings.Contains(errStrLower, "dial tcp") {
		return ErrTypeExternalTransient
	}

	// Configuration mistakes: bad knobs, missing client wiring.
	if strings.Contains(errStrLower, "config") ||
		strings.Contains(errStrLower, "must be") ||
		strings.Contains(errStrLower, "required") ||
		strings.Contains(errStrLower, "nil client") {
		return ErrTypeConfiguration
	}

	// Invariant violations surfaced by lower layers (graph, store).
	if strings.Contains(errStrLower, "invariant") ||
		strings.Contains(errStrLower, "duplicate vertex") ||
		strings.Contains(errStrLower, "length mismatch") ||
		strings.Contains(errStrLower, "dimension") {
		return ErrTypeInvariant
	}

	// Missing data: lookups that found nothing to act on.
	if strings.Contains(errStrLower, "not found") ||
		strings.Contains(errStrLower, "no such") ||
		strings.Contains(errStrLower, "missing") {
		return ErrTypeMissingData
	}

	// Unusable input content (empty/unparseable document or query text).
	if strings.Contains(errStrLower, "empty") ||
		strings.Contains(errStrLower, "unparseable") ||
		strings.Contains(errStrLower, "invalid content") {
		return ErrTypeContent
	}

	return ErrTypeUnknown
}
