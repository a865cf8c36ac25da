package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Common errors shared by every layer of the client. Callers classify failures
// with errors.Is; connectivity loss is always distinguishable from a failure of
// the command itself.
var (
	// ErrNotConnected is returned when an operation needs the broker while a
	// reconnect is in progress
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionFailed is returned when connection to RabbitMQ cannot be established
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionLost is returned when the connection or channel died while an
	// operation was in flight
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed is returned when connection is closed
	ErrConnectionClosed = errors.New("connection closed")

	// ErrChannelClosed is returned when channel is closed
	ErrChannelClosed = errors.New("channel closed")

	// ErrChannelError is returned for channel-related errors
	ErrChannelError = errors.New("channel error")

	// ErrAuthenticationFailed is returned when authentication fails
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAccessDenied is returned when access is denied to a resource
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound is returned when an exchange or queue doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrResourceLocked is returned when resource is locked
	ErrResourceLocked = errors.New("resource locked")

	// ErrPreconditionFailed is returned when a declaration conflicts with an
	// existing entity
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrVirtualHostNotFound is returned when virtual host doesn't exist
	ErrVirtualHostNotFound = errors.New("virtual host not found")

	// ErrFrameError is returned for frame-related errors
	ErrFrameError = errors.New("frame error")

	// ErrCommandInvalid is returned when command is invalid
	ErrCommandInvalid = errors.New("command invalid")

	// ErrNotAllowed is returned when operation is not allowed
	ErrNotAllowed = errors.New("not allowed")

	// ErrNotImplemented is returned when feature is not implemented
	ErrNotImplemented = errors.New("not implemented")

	// ErrInternalError is returned for internal broker errors
	ErrInternalError = errors.New("internal error")

	// ErrResourceError is returned when the broker lacks resources
	ErrResourceError = errors.New("resource error")

	// ErrTimeout is returned when operation times out
	ErrTimeout = errors.New("timeout")

	// ErrNetworkError is returned for network-related errors
	ErrNetworkError = errors.New("network error")

	// ErrCertificateError is returned for certificate-related errors
	ErrCertificateError = errors.New("certificate error")

	// ErrMessageTooLarge is returned when message exceeds size limits
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageNacked is returned when message is negatively acknowledged
	ErrMessageNacked = errors.New("message nacked")

	// ErrMessageReturned is returned when message is returned by broker
	ErrMessageReturned = errors.New("message returned")

	// ErrPublishFailed is returned when publish operation fails
	ErrPublishFailed = errors.New("publish failed")

	// ErrFlowControl is returned while the broker blocks publishers
	ErrFlowControl = errors.New("flow control")

	// ErrShutdown is returned when the client is shutting down
	ErrShutdown = errors.New("shutdown")

	// ErrUnknownError is returned for unknown/unhandled errors
	ErrUnknownError = errors.New("unknown error")
)

// TranslateError maps amqp091-go, network and syscall errors onto the
// sentinels above. The original error stays in the chain, so both
// errors.Is(err, ErrAccessDenied) and errors.As(err, &amqpErr) keep working.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error
	var amqpErr *amqp.Error
	var netErr net.Error
	var errno syscall.Errno

	switch {
	case errors.As(err, &amqpErr):
		sentinel = translateAMQPError(amqpErr)
	case errors.As(err, &errno):
		sentinel = translateSyscallError(errno)
	case errors.As(err, &netErr):
		sentinel = ErrNetworkError
		if netErr.Timeout() {
			sentinel = ErrTimeout
		}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		sentinel = ErrConnectionLost
	default:
		sentinel = translateByReason(err.Error())
	}

	if sentinel == ErrUnknownError || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func translateAMQPError(amqpErr *amqp.Error) error {
	switch amqpErr.Code {
	case amqp.ConnectionForced:
		return ErrConnectionClosed
	case amqp.InvalidPath:
		return ErrVirtualHostNotFound
	case amqp.AccessRefused:
		if strings.Contains(strings.ToLower(amqpErr.Reason), "login") {
			return ErrAuthenticationFailed
		}
		return ErrAccessDenied
	case amqp.NotFound:
		return ErrNotFound
	case amqp.ResourceLocked:
		return ErrResourceLocked
	case amqp.PreconditionFailed:
		return ErrPreconditionFailed
	case amqp.ContentTooLarge:
		return ErrMessageTooLarge
	case amqp.NoRoute, amqp.NoConsumers:
		return ErrPublishFailed
	case amqp.ChannelError:
		return ErrChannelClosed
	case amqp.ResourceError:
		return ErrResourceError
	case amqp.NotAllowed:
		return ErrNotAllowed
	case amqp.NotImplemented:
		return ErrNotImplemented
	case amqp.InternalError:
		return ErrInternalError
	case amqp.FrameError, amqp.SyntaxError, amqp.UnexpectedFrame:
		return ErrFrameError
	case amqp.CommandInvalid:
		return ErrCommandInvalid
	default:
		return translateByReason(amqpErr.Reason)
	}
}

func translateSyscallError(errno syscall.Errno) error {
	switch errno {
	case syscall.ECONNREFUSED:
		return ErrConnectionFailed
	case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ENOTCONN:
		return ErrConnectionLost
	case syscall.ETIMEDOUT:
		return ErrTimeout
	case syscall.EACCES, syscall.EPERM:
		return ErrAccessDenied
	default:
		return ErrNetworkError
	}
}

// translateByReason is the fallback for errors that carry no structured code.
func translateByReason(reason string) error {
	reason = strings.ToLower(reason)

	switch {
	case strings.Contains(reason, "connection refused"):
		return ErrConnectionFailed
	case strings.Contains(reason, "connection reset"), strings.Contains(reason, "broken pipe"):
		return ErrConnectionLost
	case strings.Contains(reason, "channel/connection is not open"):
		return ErrChannelClosed
	case strings.Contains(reason, "login refused"), strings.Contains(reason, "authentication failed"):
		return ErrAuthenticationFailed
	case strings.Contains(reason, "access refused"):
		return ErrAccessDenied
	case strings.Contains(reason, "vhost") && strings.Contains(reason, "not found"):
		return ErrVirtualHostNotFound
	case strings.Contains(reason, "not found"):
		return ErrNotFound
	case strings.Contains(reason, "precondition failed"), strings.Contains(reason, "inequivalent arg"):
		return ErrPreconditionFailed
	case strings.Contains(reason, "i/o timeout"), strings.Contains(reason, "timeout"):
		return ErrTimeout
	case strings.Contains(reason, "certificate"), strings.Contains(reason, "x509"):
		return ErrCertificateError
	case strings.Contains(reason, "no such host"), strings.Contains(reason, "network is unreachable"):
		return ErrNetworkError
	default:
		return ErrUnknownError
	}
}

// IsConnectionFatal reports whether err means the channel or the whole
// connection it was issued on is gone. Such errors invalidate the channel; the
// next operation must acquire a fresh one.
//
// Channel-local protocol failures (a conflicting declaration, a missing queue)
// are soft AMQP exceptions and are not connection-fatal.
func IsConnectionFatal(err error) bool {
	if err == nil {
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return !amqpErr.Recover
	}

	switch {
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// ErrorCategory represents different categories of RabbitMQ errors
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryConnection
	CategoryChannel
	CategoryAuthentication
	CategoryResource
	CategoryMessage
	CategoryProtocol
	CategoryNetwork
	CategoryServer
	CategoryTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryConnection:
		return "connection"
	case CategoryChannel:
		return "channel"
	case CategoryAuthentication:
		return "authentication"
	case CategoryResource:
		return "resource"
	case CategoryMessage:
		return "message"
	case CategoryProtocol:
		return "protocol"
	case CategoryNetwork:
		return "network"
	case CategoryServer:
		return "server"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// GetErrorCategory returns the category of the given error
func GetErrorCategory(err error) ErrorCategory {
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrConnectionLost), errors.Is(err, ErrConnectionClosed):
		return CategoryConnection
	case errors.Is(err, ErrChannelClosed), errors.Is(err, ErrChannelError):
		return CategoryChannel
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrAccessDenied):
		return CategoryAuthentication
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrResourceLocked), errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrVirtualHostNotFound):
		return CategoryResource
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrMessageNacked), errors.Is(err, ErrMessageReturned), errors.Is(err, ErrPublishFailed):
		return CategoryMessage
	case errors.Is(err, ErrFrameError), errors.Is(err, ErrCommandInvalid), errors.Is(err, ErrNotAllowed), errors.Is(err, ErrNotImplemented):
		return CategoryProtocol
	case errors.Is(err, ErrNetworkError), errors.Is(err, ErrCertificateError):
		return CategoryNetwork
	case errors.Is(err, ErrInternalError), errors.Is(err, ErrResourceError), errors.Is(err, ErrFlowControl):
		return CategoryServer
	case errors.Is(err, ErrTimeout):
		return CategoryTimeout
	default:
		return CategoryUnknown
	}
}

// IsRetryableError returns true if retrying the operation later may succeed
func IsRetryableError(err error) bool {
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrConnectionClosed),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNetworkError),
		errors.Is(err, ErrInternalError),
		errors.Is(err, ErrResourceError),
		errors.Is(err, ErrFlowControl),
		errors.Is(err, ErrMessageNacked):
		return true
	default:
		return false
	}
}

// IsPermanentError returns true if the error is permanent and should not be retried
func IsPermanentError(err error) bool {
	switch {
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPreconditionFailed),
		errors.Is(err, ErrVirtualHostNotFound),
		errors.Is(err, ErrCommandInvalid),
		errors.Is(err, ErrNotAllowed),
		errors.Is(err, ErrNotImplemented),
		errors.Is(err, ErrCertificateError),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrShutdown):
		return true
	default:
		return false
	}
}

// IsConnectionError returns true if the error is connection-related
func IsConnectionError(err error) bool {
	return GetErrorCategory(err) == CategoryConnection
}
