package rabbit

import "errors"

var (
	// ErrClientClosed is returned by every operation after GracefulShutdown
	ErrClientClosed = errors.New("rabbit client closed")

	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("rabbit client already started")

	// ErrNoHosts is returned by NewClient when no broker host is configured
	ErrNoHosts = errors.New("no rabbit hosts configured")

	// ErrConsumerClosed is returned by Consumer operations after Close
	ErrConsumerClosed = errors.New("consumer closed")

	// ErrNilHandler is returned by Consume when no handler is given
	ErrNilHandler = errors.New("consumer handler is nil")

	// ErrDeadLetterNotConfigured is returned by DeclareDeadLetter when the
	// dead-letter section of the configuration is empty
	ErrDeadLetterNotConfigured = errors.New("dead-letter exchange not configured")
)
