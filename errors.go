package ccrouter

import (
	"errors"
	"strconv"
)

// Sentinel errors for message delivery - check with errors.Is().
var (
	// ErrMessageExpired is returned when a message's TTL has elapsed.
	ErrMessageExpired = errors.New("message expired")

	// ErrAccessDenied is reported when the access controller rejects a message.
	ErrAccessDenied = errors.New("access denied")

	// ErrAddressNotFound is returned when a unicast recipient has no routing entry.
	ErrAddressNotFound = errors.New("address not found")

	// ErrMaxRetriesExceeded is reported when the optional retry cap is hit.
	ErrMaxRetriesExceeded = errors.New("maximum retry count exceeded")

	// ErrRouterShutdown is returned when a message is routed after shutdown started.
	ErrRouterShutdown = errors.New("router is shut down")

	// ErrNilMessage is returned when a nil message is routed.
	ErrNilMessage = errors.New("message is nil")

	// ErrInvalidAddress is returned by stub factories for an address of a
	// served kind that cannot be reached, such as a reply-to address learned
	// from a message. The router retries it like any transient failure.
	ErrInvalidAddress = errors.New("invalid address")
)

// Sentinel errors for bookkeeping - check with errors.Is().
var (
	// ErrEmptyMessageID is returned when a message without id is tracked.
	ErrEmptyMessageID = errors.New("message id is empty")

	// ErrEmptyRequestReplyID is returned when an empty request-reply id is untracked.
	ErrEmptyRequestReplyID = errors.New("request reply id is empty")

	// ErrShutdownTimeout is returned when tracked messages did not drain in time.
	ErrShutdownTimeout = errors.New("timed out waiting for tracked messages")

	// ErrWorkerStopTimeout is returned by Shutdown when a worker is still
	// inside a transmission after the worker stop timeout.
	ErrWorkerStopTimeout = errors.New("workers did not stop in time")

	// ErrInvalidMulticastID is returned for malformed multicast ids or patterns.
	ErrInvalidMulticastID = errors.New("invalid multicast id")

	// ErrEmptyParticipantID is returned when a participant id is required but empty.
	ErrEmptyParticipantID = errors.New("participant id is empty")

	// ErrUnknownProvider is returned when a multicast provider has no routing entry.
	ErrUnknownProvider = errors.New("multicast provider is not known")
)

// Sentinel errors for configuration faults - check with errors.Is().
var (
	// ErrAmbiguousMulticastCalculator is returned when several multicast address
	// calculators claim the primary global transport.
	ErrAmbiguousMulticastCalculator = errors.New("ambiguous multicast address calculator")

	// ErrNoStubFactory is returned when no stub factory serves an address kind.
	ErrNoStubFactory = errors.New("no messaging stub factory for address kind")
)

// DeliveryError describes a terminal delivery failure.
// Extract with errors.As().
type DeliveryError struct {
	err        error
	MessageID  string
	RetryCount int
}

func (e *DeliveryError) Error() string {
	return "message " + e.MessageID + " not delivered after " + strconv.Itoa(e.RetryCount) + " retries: " + e.err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.err }

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(messageID string, retryCount int, cause error) *DeliveryError {
	return &DeliveryError{err: cause, MessageID: messageID, RetryCount: retryCount}
}

// ConfigurationError marks a fault in how the router was assembled.
// The router treats it as fatal instead of retrying.
type ConfigurationError struct {
	err       error
	Component string
}

func (e *ConfigurationError) Error() string {
	return e.Component + ": " + e.err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.err }

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(component string, cause error) *ConfigurationError {
	return &ConfigurationError{err: cause, Component: component}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
