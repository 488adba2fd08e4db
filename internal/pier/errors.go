package pier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ConnectionErrorKind classifies a failed Connect.
type ConnectionErrorKind string

const (
	Timeout            ConnectionErrorKind = "timeout"
	AuthFailed         ConnectionErrorKind = "auth_failed"
	NetworkUnreachable ConnectionErrorKind = "network_unreachable"
)

// ConnectionError is fatal for one pier only.
type ConnectionError struct {
	Pier string
	Kind ConnectionErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pier %s: connect: %s", e.Pier, e.Kind)
	}
	return fmt.Sprintf("pier %s: connect: %s: %v", e.Pier, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError builds a ConnectionError.
func NewConnectionError(pierID string, kind ConnectionErrorKind, err error) *ConnectionError {
	return &ConnectionError{Pier: pierID, Kind: kind, Err: err}
}

// AsConnectionError passes ConnectionErrors through and classifies anything
// else: deadlines and network timeouts become Timeout, the rest
// NetworkUnreachable.
func AsConnectionError(pierID string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectionError(pierID, Timeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewConnectionError(pierID, Timeout, err)
	}
	return NewConnectionError(pierID, NetworkUnreachable, err)
}

// SendErrorKind classifies a failed SendMessage. The dispatcher retries only
// the retryable kinds.
type SendErrorKind string

const (
	ChannelNotFound  SendErrorKind = "channel_not_found"
	NoPermission     SendErrorKind = "no_permission"
	RateLimited      SendErrorKind = "rate_limited"
	TransportFailure SendErrorKind = "transport_failure"
	// PartialDelivery means some lines of a multi-line message went out
	// before the failure. Retrying would repeat them.
	PartialDelivery SendErrorKind = "partial_delivery"
)

// Retryable reports whether a later attempt may succeed.
func (k SendErrorKind) Retryable() bool {
	return k == RateLimited || k == TransportFailure
}

// SendError is returned by SendMessage.
type SendError struct {
	Kind    SendErrorKind
	Channel string
	// RetryAfter is the network's own hint for RateLimited, zero if unknown.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("send to %s: %s", e.Channel, e.Kind)
	}
	return fmt.Sprintf("send to %s: %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewSendError builds a SendError.
func NewSendError(kind SendErrorKind, channel string, err error) *SendError {
	return &SendError{Kind: kind, Channel: channel, Err: err}
}

// LineSendError classifies a failure after sent lines of a multi-line
// message were already written.
func LineSendError(channel string, sent int, err error) *SendError {
	if sent > 0 {
		return NewSendError(PartialDelivery, channel, fmt.Errorf("after %d lines: %w", sent, err))
	}
	return NewSendError(TransportFailure, channel, err)
}

// SendErrorKindOf returns the kind carried by err. Errors that are not
// SendErrors count as TransportFailure.
func SendErrorKindOf(err error) SendErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return TransportFailure
}

// RetryAfterOf returns the RetryAfter hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
