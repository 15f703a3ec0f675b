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

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "subscribe")
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

// DecodeError reports malformed account bytes or feed payloads for one side.
// The update carrying it is dropped; the last good snapshot stays committed.
type DecodeError struct {
	Side Side
	Err  error
}

func (e *DecodeError) Error() string {
	return "decode " + e.Side.String() + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError wraps err as a decode failure on side.
func NewDecodeError(side Side, err error) *DecodeError {
	return &DecodeError{Side: side, Err: err}
}

var (
	// ErrInvalidGrouping is returned when a grouping is below the tick size or not a multiple of it.
	ErrInvalidGrouping = errors.New("invalid grouping")

	// ErrMarketNotFound is returned when a market lookup fails. Not retriable.
	ErrMarketNotFound = errors.New("market not found")

	// ErrNotActive is returned when an operation needs an active market and there is none.
	ErrNotActive = errors.New("no active market")

	// ErrAlreadyActivated is returned when Activate is called twice on one arbiter.
	ErrAlreadyActivated = errors.New("arbiter already activated")

	// ErrAccountNotFound is returned when the RPC node has no data for an account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrConnectionClosed is returned when using a transport after Close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
