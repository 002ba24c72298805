package sip

import "github.com/openvoip/siptx/internal/errorutil"

// Error is a sentinel error type of the package.
type Error = errorutil.Error

const (
	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrMethodNotAllowed is returned when a transaction can not be built for the request method.
	ErrMethodNotAllowed Error = "method not allowed"
	// ErrTransactionNotFound is returned when no transaction matches the message.
	ErrTransactionNotFound Error = "transaction not found"
	// ErrTransactionNotMatched is returned when a message does not belong to the transaction.
	ErrTransactionNotMatched Error = "message not matched with transaction"
	// ErrDuplicateTransaction is returned on an attempt to register a second transaction with the same key.
	ErrDuplicateTransaction Error = "duplicate transaction"
	// ErrTransactionTimedOut is reported when timer B, F or H fires.
	ErrTransactionTimedOut Error = "transaction timed out"
	// ErrTransactionTerminated is returned when a message is passed to a terminated transaction.
	ErrTransactionTerminated Error = "transaction terminated"
	// ErrTransactionManagerClosed is returned by a closed transaction manager.
	ErrTransactionManagerClosed Error = "transaction manager closed"
	// ErrTransportFailure wraps errors returned by the transport.
	ErrTransportFailure Error = "transport failure"
)

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
