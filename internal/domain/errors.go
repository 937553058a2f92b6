package domain

import "errors"

// ErrKind classifies a broker/persistence failure for the retry layer
// (spec.md §7). It is carried as a sentinel wrapped error, not a distinct
// type per call site, so callers can classify with errors.Is against the
// Err* values below.
type ErrKind string

const (
	KindTransient   ErrKind = "transient-network"
	KindRateLimited ErrKind = "rate-limited"
	KindAuthExpired ErrKind = "auth-expired"
	KindRejected    ErrKind = "broker-rejected"
	KindNotFound    ErrKind = "not-found"
	KindUnavailable ErrKind = "persistence-unavailable"
)

// Sentinel errors for errors.Is classification. Adapters wrap these with
// fmt.Errorf("...: %w", ErrTransient) so callers can test err kind without
// string matching.
var (
	ErrTransient   = errors.New(string(KindTransient))
	ErrRateLimited = errors.New(string(KindRateLimited))
	ErrAuthExpired = errors.New(string(KindAuthExpired))
	ErrRejected    = errors.New(string(KindRejected))
	ErrNotFound    = errors.New(string(KindNotFound))
	ErrUnavailable = errors.New(string(KindUnavailable))
)

// BrokerError wraps a broker failure with its classification and, for
// rejections, the broker's own reason string (surfaced as
// "broker-rejected:<sub>" per spec.md §7).
type BrokerError struct {
	Kind    ErrKind
	Reason  string
	Retry   ErrKind
	Wrapped error
}

func (e *BrokerError) Error() string {
	if e.Reason != "" {
		return string(e.Kind) + ": " + e.Reason
	}
	return string(e.Kind)
}

func (e *BrokerError) Unwrap() error {
	switch e.Kind {
	case KindTransient:
		return ErrTransient
	case KindRateLimited:
		return ErrRateLimited
	case KindAuthExpired:
		return ErrAuthExpired
	case KindRejected:
		return ErrRejected
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrUnavailable
	}
}
