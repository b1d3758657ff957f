// Package types — ids.go
//
// Nominal identifier types shared across the kernel. Each ID kind is a
// distinct Go type so that, for example, a ProcessId can never be passed
// where a RequestId is expected without an explicit conversion.
//
// All IDs are opaque strings at the wire boundary. New<X>ID constructors
// generate UUIDv4 values; Parse<X>ID validates a decoded wire string
// without attempting to interpret its contents beyond non-emptiness.

package types

import "github.com/google/uuid"

// ProcessId identifies a Process Control Block.
type ProcessId string

// RequestId identifies one client request, distinct from the process
// that services it.
type RequestId string

// UserId identifies the human or service account a request is billed to.
type UserId string

// SessionId identifies an orchestration session, distinct from the
// process it runs under.
type SessionId string

// EnvelopeId identifies one envelope's execution-state record.
type EnvelopeId string

// InterruptId identifies one HITL interrupt record.
type InterruptId string

// SubscriptionId identifies one CommBus publish/subscribe registration.
type SubscriptionId string

// NewProcessID generates a fresh ProcessId.
func NewProcessID() ProcessId { return ProcessId(uuid.NewString()) }

// NewRequestID generates a fresh RequestId.
func NewRequestID() RequestId { return RequestId(uuid.NewString()) }

// NewSessionID generates a fresh SessionId.
func NewSessionID() SessionId { return SessionId(uuid.NewString()) }

// NewEnvelopeID generates a fresh EnvelopeId.
func NewEnvelopeID() EnvelopeId { return EnvelopeId(uuid.NewString()) }

// NewInterruptID generates a fresh InterruptId.
func NewInterruptID() InterruptId { return InterruptId(uuid.NewString()) }

// NewSubscriptionID generates a fresh SubscriptionId.
func NewSubscriptionID() SubscriptionId { return SubscriptionId(uuid.NewString()) }

// ParseProcessID validates a wire-decoded process id string.
func ParseProcessID(s string) (ProcessId, error) {
	if s == "" {
		return "", ErrInvalidInput("process_id must not be empty")
	}
	return ProcessId(s), nil
}

// ParseUserID validates a wire-decoded user id string.
func ParseUserID(s string) (UserId, error) {
	if s == "" {
		return "", ErrInvalidInput("user_id must not be empty")
	}
	return UserId(s), nil
}

// ParseInterruptID validates a wire-decoded interrupt id string.
func ParseInterruptID(s string) (InterruptId, error) {
	if s == "" {
		return "", ErrInvalidInput("interrupt_id must not be empty")
	}
	return InterruptId(s), nil
}

// ParseRequestID validates a wire-decoded request id string.
func ParseRequestID(s string) (RequestId, error) {
	if s == "" {
		return "", ErrInvalidInput("request_id must not be empty")
	}
	return RequestId(s), nil
}

// ParseSessionID validates a wire-decoded session id string.
func ParseSessionID(s string) (SessionId, error) {
	if s == "" {
		return "", ErrInvalidInput("session_id must not be empty")
	}
	return SessionId(s), nil
}

// ParseEnvelopeID validates a wire-decoded envelope id string.
func ParseEnvelopeID(s string) (EnvelopeId, error) {
	if s == "" {
		return "", ErrInvalidInput("envelope_id must not be empty")
	}
	return EnvelopeId(s), nil
}

// ParseSubscriptionID validates a wire-decoded subscription id string.
func ParseSubscriptionID(s string) (SubscriptionId, error) {
	if s == "" {
		return "", ErrInvalidInput("subscription_id must not be empty")
	}
	return SubscriptionId(s), nil
}
