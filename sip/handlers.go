package sip

import "context"

// Handler type aliases.
// Handlers receive the context of the transaction that raised them, see [TransactionFromContext].
type (
	ErrorHandler = func(ctx context.Context, err error)

	RequestHandler  = func(ctx context.Context, req Request)
	MessageHandler  = func(ctx context.Context, msg Message)
	ResponseHandler = func(ctx context.Context, res Response)

	TransactionStateHandler      = func(ctx context.Context, from, to TransactionState)
	TransactionTerminatedHandler = func(ctx context.Context, reason TerminationReason)
	TransactionResponseHandler   = func(ctx context.Context, tx ClientTransaction, res Response)
	TransactionRequestHandler    = func(ctx context.Context, tx ServerTransaction, req Request)

	ClientTransactionHandler = func(ctx context.Context, tx ClientTransaction)
	ServerTransactionHandler = func(ctx context.Context, tx ServerTransaction)
)
