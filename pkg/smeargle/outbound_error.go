package smeargle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutboundOperation names a sink operation in errors and logs.
type OutboundOperation string

const (
	OutboundOperationSendMessage OutboundOperation = "send_message"
	OutboundOperationSendFile    OutboundOperation = "send_file"
)

// OutboundErrorKind classifies a sink failure by how a caller may react.
type OutboundErrorKind string

const (
	// OutboundErrorKindRateLimited means the platform throttled the sink.
	// RetryAfter carries the platform hint when one was sent.
	OutboundErrorKindRateLimited OutboundErrorKind = "rate_limited"
	// OutboundErrorKindTemporary means the same request may succeed later.
	OutboundErrorKindTemporary OutboundErrorKind = "temporary"
	// OutboundErrorKindPermanent means the request will keep failing as is.
	OutboundErrorKindPermanent OutboundErrorKind = "permanent"
	OutboundErrorKindUnknown   OutboundErrorKind = "unknown"
)

// OutboundError is a platform failure raised by a driver sink. Driver error
// mappers build it from the platform client's native errors.
type OutboundError struct {
	Operation  OutboundOperation
	Kind       OutboundErrorKind
	Platform   Platform
	SinkID     string
	RetryAfter time.Duration
	// Code is the platform status (HTTP status or RPC error code) when known.
	Code int
	// Type is the platform error token, for example FLOOD_WAIT or a Discord
	// JSON error code.
	Type  string
	Cause error
}

// Error renders "<platform>/<sink> <operation> <kind>[ details]: cause".
func (e *OutboundError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(string(e.Platform))
	if e.SinkID != "" {
		b.WriteString("/" + e.SinkID)
	}
	fmt.Fprintf(&b, " %s %s", e.Operation, e.Kind)

	var details []string
	if e.Code != 0 {
		details = append(details, fmt.Sprintf("code %d", e.Code))
	}
	if e.Type != "" {
		details = append(details, e.Type)
	}
	if e.RetryAfter > 0 {
		details = append(details, "retry after "+e.RetryAfter.String())
	}
	if len(details) > 0 {
		b.WriteString(" (" + strings.Join(details, ", ") + ")")
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}

	return strings.TrimSpace(b.String())
}

// Unwrap returns the platform error.
func (e *OutboundError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// Retryable reports whether repeating the request could succeed.
func (e *OutboundError) Retryable() bool {
	if e == nil {
		return false
	}

	return e.Kind == OutboundErrorKindRateLimited || e.Kind == OutboundErrorKindTemporary
}

// AsOutboundError finds the first *OutboundError in err's chain.
func AsOutboundError(err error) (*OutboundError, bool) {
	var outboundErr *OutboundError
	if err == nil || !errors.As(err, &outboundErr) || outboundErr == nil {
		return nil, false
	}

	return outboundErr, true
}

// AsOutboundRateLimit reports whether err is a rate-limit failure and returns
// the platform's retry hint, which is zero when none was sent.
func AsOutboundRateLimit(err error) (time.Duration, bool) {
	outboundErr, ok := AsOutboundError(err)
	if !ok || outboundErr.Kind != OutboundErrorKindRateLimited {
		return 0, false
	}

	return outboundErr.RetryAfter, true
}
