// Package errs defines the single failure taxonomy every component in the
// hub, resilience layer, and provider adapters maps its native errors into.
package errs

import "fmt"

// Kind is one of the ten failure kinds every external error is mapped to.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindInvalidRequest    Kind = "invalid_request"
	KindRateLimit         Kind = "rate_limit"
	KindOverloaded        Kind = "overloaded"
	KindTimeout           Kind = "timeout"
	KindNetwork           Kind = "network"
	KindStreamInterrupted Kind = "stream_interrupted"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
	KindUnknown           Kind = "unknown"
)

// retryableByDefault reflects §7's propagation policy for kinds whose
// retryability is not overridden per-instance (e.g. a rate_limit error
// becomes non-retryable only once the coordinator has exhausted attempts).
var retryableByDefault = map[Kind]bool{
	KindAuthentication:    false,
	KindInvalidRequest:    false,
	KindRateLimit:         true,
	KindOverloaded:        false,
	KindTimeout:           true,
	KindNetwork:           true,
	KindStreamInterrupted: true,
	KindValidation:        false,
	KindInternal:          true,
	KindUnknown:           false,
}

// RateLimitHint carries retry-after and quota information surfaced by a
// provider on a rate_limit error; any field may be unset.
type RateLimitHint struct {
	RetryAfterSeconds float64
	HasRetryAfter     bool
	RequestsRemaining int
	TokensRemaining   int
}

// Error is the tagged sum type every provider, coordinator, and breaker
// surfaces instead of an ad hoc error. The original cause is preserved for
// logs only; Message is the user-safe text.
type Error struct {
	Kind     Kind
	Message  string
	Provider string
	Context  map[string]any

	retryable     bool
	retryableSet  bool
	cause         error
	rateLimitHint *RateLimitHint
}

// New builds an Error of the given kind with the default retryability for
// that kind (see §7).
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, retryable: retryableByDefault[kind]}
}

// Wrap builds an Error around a lower-level cause, keeping it out of the
// user-visible Message and only attaching it for diagnostic logging.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the coordinator should retry this error. An
// explicit WithRetryable call always wins over the kind default.
func (e *Error) Retryable() bool {
	if e.retryableSet {
		return e.retryable
	}
	return e.retryable
}

// WithRetryable overrides the kind's default retryability, e.g. marking a
// rate_limit error non-retryable once the coordinator's attempt cap is hit.
func (e *Error) WithRetryable(r bool) *Error {
	e.retryable = r
	e.retryableSet = true
	return e
}

// WithProvider tags the error with the originating provider's name.
func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

// WithContext attaches a diagnostic key/value, e.g. attempt count.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

// WithRateLimitHint attaches retry-after/quota information from a
// rate_limit response.
func (e *Error) WithRateLimitHint(h RateLimitHint) *Error {
	e.rateLimitHint = &h
	return e
}

// RateLimitHint returns the attached hint, if any.
func (e *Error) RateLimitHint() (RateLimitHint, bool) {
	if e.rateLimitHint == nil {
		return RateLimitHint{}, false
	}
	return *e.rateLimitHint, true
}

// As reports whether err is (or wraps) an *Error, mirroring errors.As
// without forcing every call site to declare a local target variable.
func As(err error) (*Error, bool) {
	var target *Error
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if e, ok := err.(*Error); ok {
			target = e
			return target, true
		}
	}
	return nil, false
}

// KindOf returns the Kind of err if it is a tagged Error, else KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Severity levels used by logging call sites.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SeverityFor implements §7's per-kind logging severity policy.
func SeverityFor(kind Kind) Severity {
	switch kind {
	case KindAuthentication, KindInvalidRequest, KindValidation:
		return SeverityWarn
	case KindNetwork, KindTimeout, KindInternal, KindStreamInterrupted:
		return SeverityError
	case KindUnknown:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}
