package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a socket-level failure.
// Retriable errors are transient: the running duty logs them and carries on.
// Non-retriable errors end the operation that hit them.
type NetworkError struct {
	Op        string // Operation that failed (e.g., "listen", "dial", "send", "receive")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ProtocolError represents a malformed control command.
// It is answered on the control connection, which stays open.
type ProtocolError struct {
	Command string
	Err     error
}

func (e *ProtocolError) Error() string {
	return "protocol error [" + e.Command + "]: " + e.Err.Error()
}

func (e *ProtocolError) IsRetriable() bool {
	return false
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInvalidQuote is returned when a quote fails validation or parsing.
	ErrInvalidQuote = errors.New("invalid quote")

	// ErrDecode is returned when a datagram is not a valid binary quote.
	ErrDecode = errors.New("decode failed")

	// ErrUnknownCommand is returned for an unrecognised control verb.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMalformedStream is returned when a STREAM command has bad syntax.
	ErrMalformedStream = errors.New("malformed STREAM command")

	// ErrSessionSetup is returned when a broadcast session cannot be started.
	ErrSessionSetup = errors.New("failed to start streaming")

	// ErrHandshake is returned when the control handshake is rejected or garbled.
	ErrHandshake = errors.New("handshake failed")
)
