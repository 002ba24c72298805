package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/internal/errorutil"
	"github.com/openvoip/siptx/internal/syncutil"
	"github.com/openvoip/siptx/internal/types"
	"github.com/openvoip/siptx/log"
	"github.com/openvoip/siptx/timing"
)

// TransactionManagerOptions are the options for a [TransactionManager].
type TransactionManagerOptions struct {
	// Timings is the SIP timing config used with all transactions created by the manager.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// Clock drives the transaction timers.
	// If nil, [timing.RealClock] is used.
	Clock timing.Clock
	// StaleTransactionTimeout is the timeout for stale transactions.
	// Client INVITE transaction in proceeding and server transactions in trying/proceeding states
	// after this timeout are considered stale and will be terminated to prevent memory leaks.
	// If 0, 5 minutes is used. If negative, stale transactions are never terminated.
	StaleTransactionTimeout time.Duration
	// ShardsNum is the number of shards of the transaction registries.
	// If 0, 32 shards are used.
	ShardsNum uint
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *TransactionManagerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *TransactionManagerOptions) clock() timing.Clock {
	if o == nil || o.Clock == nil {
		return timing.RealClock()
	}
	return o.Clock
}

func (o *TransactionManagerOptions) staleTxTimeout() time.Duration {
	if o == nil || o.StaleTransactionTimeout == 0 {
		return 5 * time.Minute
	}
	return o.StaleTransactionTimeout
}

func (o *TransactionManagerOptions) shardsNum() syncutil.ShardsNum {
	if o == nil {
		return 0
	}
	return syncutil.ShardsNum(o.ShardsNum)
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// TransactionManager is responsible for matching incoming messages to corresponding transactions
// and creating new transactions.
//
// Every transaction created by the manager is removed from its registry as soon as
// it enters the Terminated state.
type TransactionManager struct {
	tp             Transport
	timings        TimingConfig
	clock          timing.Clock
	staleTxTimeout time.Duration
	log            *slog.Logger

	clnTxs *syncutil.ShardMap[ClientTransactionKey, ClientTransaction]
	srvTxs *syncutil.ShardMap[ServerTransactionKey, ServerTransaction]
	stats  transactStats

	onNewClnTx     types.CallbackManager[ClientTransactionHandler]
	onNewSrvTx     types.CallbackManager[ServerTransactionHandler]
	onUnmatchedAck types.CallbackManager[RequestHandler]
	onErr          types.CallbackManager[ErrorHandler]

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTransactionManager creates a new [TransactionManager] sending messages over tp.
// Options are optional, if nil, default values are used (see [TransactionManagerOptions]).
func NewTransactionManager(tp Transport, opts *TransactionManagerOptions) (*TransactionManager, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	return &TransactionManager{
		tp:             tp,
		timings:        opts.timings(),
		clock:          opts.clock(),
		staleTxTimeout: opts.staleTxTimeout(),
		log:            opts.log(),
		clnTxs:         syncutil.NewShardMap[ClientTransactionKey, ClientTransaction](opts.shardsNum()),
		srvTxs:         syncutil.NewShardMap[ServerTransactionKey, ServerTransaction](opts.shardsNum()),
	}, nil
}

func (txm *TransactionManager) clnTxOpts(opts *ClientTransactionOptions) *ClientTransactionOptions {
	o := ClientTransactionOptions{Timings: txm.timings, Clock: txm.clock, Log: txm.log}
	if opts != nil {
		if !opts.Timings.IsZero() {
			o.Timings = opts.Timings
		}
		if opts.Clock != nil {
			o.Clock = opts.Clock
		}
		if opts.Log != nil {
			o.Log = opts.Log
		}
	}
	return &o
}

func (txm *TransactionManager) srvTxOpts(opts *ServerTransactionOptions) *ServerTransactionOptions {
	o := ServerTransactionOptions{Timings: txm.timings, Clock: txm.clock, Log: txm.log}
	if opts != nil {
		if !opts.Timings.IsZero() {
			o.Timings = opts.Timings
		}
		if opts.Clock != nil {
			o.Clock = opts.Clock
		}
		if opts.Log != nil {
			o.Log = opts.Log
		}
	}
	return &o
}

// CreateClientTransaction creates a client transaction for the outbound request, registers it
// and starts it, i.e. sends the request and arms the timers.
// [TransactionManager.OnClientTransactionCreated] callbacks are called before the request is sent.
//
// It returns [ErrDuplicateTransaction] if a transaction with the same key is already registered,
// the existing transaction is left untouched.
func (txm *TransactionManager) CreateClientTransaction(
	ctx context.Context,
	req Request,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	key, err := ClientTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, loaded, err := txm.clnTxs.GetOrCreate(key, func() (ClientTransaction, error) {
		tx, err := newClientTransaction(req, txm.tp, txm.clnTxOpts(opts))
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		txm.bindClnTx(tx)
		return tx, nil
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if loaded {
		return nil, errtrace.Wrap(fmt.Errorf("%w: client transaction %s", ErrDuplicateTransaction, key))
	}
	if txm.closing.Load() {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	txm.log.LogAttrs(ctx, slog.LevelDebug, "client transaction created", slog.Any("transaction", tx))

	for fn := range txm.onNewClnTx.All() {
		fn(ctx, tx)
	}
	tx.start(ctx)
	return tx, nil
}

func (txm *TransactionManager) bindClnTx(tx ClientTransaction) {
	key := tx.Key()
	tx.setTerminateHook(func() {
		if txm.clnTxs.DelFunc(key, func(v ClientTransaction) bool { return v == tx }) {
			txm.stats.txRemoved(tx.Type())
		}
	})
	txm.bindTx(tx)
}

func (txm *TransactionManager) bindSrvTx(tx ServerTransaction) {
	key := tx.Key()
	tx.setTerminateHook(func() {
		if txm.srvTxs.DelFunc(key, func(v ServerTransaction) bool { return v == tx }) {
			txm.stats.txRemoved(tx.Type())
		}
	})
	txm.bindTx(tx)
}

func (txm *TransactionManager) bindTx(tx Transaction) {
	txm.stats.txCreated(tx.Type())

	tx.OnError(func(ctx context.Context, err error) {
		for fn := range txm.onErr.All() {
			fn(ctx, err)
		}
	})
	tx.OnTerminated(func(ctx context.Context, reason TerminationReason) {
		txm.stats.txTerminated(reason)

		txm.log.LogAttrs(ctx, slog.LevelDebug,
			"transaction removed",
			slog.Any("transaction", tx),
			slog.Any("reason", reason),
		)
	})
	txm.watchStale(tx)
}

func isIdleState(typ TransactionType, state TransactionState) bool {
	switch typ {
	case TransactionTypeClientInvite:
		return state == TransactionStateProceeding
	case TransactionTypeServerInvite, TransactionTypeServerNonInvite:
		return state == TransactionStateTrying || state == TransactionStateProceeding
	default:
		return false
	}
}

// watchStale terminates the transaction after it waits in a state without timers for too long.
func (txm *TransactionManager) watchStale(tx Transaction) {
	if txm.staleTxTimeout <= 0 {
		return
	}

	var (
		mu  sync.Mutex
		tmr timing.Timer
	)
	rearm := func(state TransactionState) {
		mu.Lock()
		defer mu.Unlock()

		if tmr != nil {
			tmr.Stop()
			tmr = nil
		}
		if !isIdleState(tx.Type(), state) {
			return
		}
		tmr = txm.clock.AfterFunc(txm.staleTxTimeout, func() {
			txm.log.LogAttrs(tx.Context(), slog.LevelDebug, "terminate stale transaction", slog.Any("transaction", tx))
			tx.Terminate(tx.Context()) //nolint:errcheck
		})
	}

	rearm(tx.State())
	tx.OnStateChanged(func(_ context.Context, _, to TransactionState) { rearm(to) })
}

// LoadClientTransaction returns the registered client transaction by the key.
func (txm *TransactionManager) LoadClientTransaction(key ClientTransactionKey) (ClientTransaction, error) {
	tx, ok := txm.clnTxs.Get(key)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

// CreateServerTransaction creates and registers a server transaction for the inbound request.
// The request is not passed to the transaction.
//
// It returns [ErrDuplicateTransaction] if a transaction with the same key is already registered.
func (txm *TransactionManager) CreateServerTransaction(
	ctx context.Context,
	req Request,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	key, err := ServerTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx, created, err := txm.getOrCreateSrvTx(ctx, key, req, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !created {
		return nil, errtrace.Wrap(fmt.Errorf("%w: server transaction %s", ErrDuplicateTransaction, key))
	}
	return tx, nil
}

func (txm *TransactionManager) getOrCreateSrvTx(
	ctx context.Context,
	key ServerTransactionKey,
	req Request,
	opts *ServerTransactionOptions,
) (ServerTransaction, bool, error) {
	tx, loaded, err := txm.srvTxs.GetOrCreate(key, func() (ServerTransaction, error) {
		tx, err := NewServerTransaction(req, txm.tp, txm.srvTxOpts(opts))
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		txm.bindSrvTx(tx)
		return tx, nil
	})
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	if loaded {
		return tx, false, nil
	}
	if txm.closing.Load() {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, false, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	txm.log.LogAttrs(ctx, slog.LevelDebug, "server transaction created", slog.Any("transaction", tx))

	for fn := range txm.onNewSrvTx.All() {
		fn(ctx, tx)
	}
	return tx, true, nil
}

// LoadServerTransaction returns the registered server transaction by the key.
func (txm *TransactionManager) LoadServerTransaction(key ServerTransactionKey) (ServerTransaction, error) {
	tx, ok := txm.srvTxs.Get(key)
	if !ok {
		return nil, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

// ProcessResponse passes the inbound response to the matching client transaction.
// It reports whether the response was matched and accepted by a transaction.
func (txm *TransactionManager) ProcessResponse(ctx context.Context, res Response) bool {
	if res == nil {
		return false
	}
	key, err := ClientTransactionKeyFromMessage(res)
	if err != nil {
		txm.log.LogAttrs(ctx, slog.LevelWarn, "discard invalid response", slog.Any("error", err))
		return false
	}

	tx, ok := txm.clnTxs.Get(key)
	if !ok {
		txm.stats.unmatchedRess.Add(1)
		txm.log.LogAttrs(ctx, slog.LevelWarn,
			"discard unmatched response",
			slog.Any("key", key),
			slog.Any("status", res.Status()),
		)
		return false
	}

	if err := tx.RecvResponse(ctx, res); err != nil {
		txm.log.LogAttrs(ctx, slog.LevelDebug,
			"response rejected by transaction",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// ProcessRequest passes the inbound request to the matching server transaction,
// creating a new one when nothing matches. It returns the transaction in both cases.
//
// An ACK that matches no transaction (the ACK for a 2xx response) creates nothing:
// it is passed to [TransactionManager.OnUnmatchedAck] callbacks and [ErrTransactionNotFound] is returned.
func (txm *TransactionManager) ProcessRequest(ctx context.Context, req Request) (ServerTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	key, err := ServerTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if req.Method() == RequestMethodAck {
		return errtrace.Wrap2(txm.processAck(ctx, key, req))
	}

	if txm.closing.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}

	// A matched transaction may terminate between the lookup and the receipt,
	// the second attempt then creates a fresh one.
	for range 2 {
		tx, created, err := txm.getOrCreateSrvTx(ctx, key, req, nil)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		err = tx.RecvRequest(ctx, req)
		if err == nil {
			return tx, nil
		}
		if !created && errors.Is(err, ErrTransactionTerminated) {
			continue
		}
		return tx, errtrace.Wrap(err)
	}
	return nil, errtrace.Wrap(ErrTransactionTerminated)
}

func (txm *TransactionManager) processAck(ctx context.Context, key ServerTransactionKey, req Request) (ServerTransaction, error) {
	if tx, ok := txm.srvTxs.Get(key); ok {
		err := tx.RecvRequest(ctx, req)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, ErrTransactionTerminated) {
			return tx, errtrace.Wrap(err)
		}
	}

	txm.stats.unmatchedAcks.Add(1)
	txm.log.LogAttrs(ctx, slog.LevelDebug, "pass unmatched ACK", slog.Any("key", key))

	for fn := range txm.onUnmatchedAck.All() {
		fn(ctx, req)
	}
	return nil, errtrace.Wrap(ErrTransactionNotFound)
}

// HandleMessage dispatches a message received by the transport to
// [TransactionManager.ProcessRequest] or [TransactionManager.ProcessResponse].
// It can be used as a transport message handler.
func (txm *TransactionManager) HandleMessage(ctx context.Context, msg Message) {
	switch msg := msg.(type) {
	case Request:
		if _, err := txm.ProcessRequest(ctx, msg); err != nil && !errors.Is(err, ErrTransactionNotFound) {
			txm.log.LogAttrs(ctx, slog.LevelDebug,
				"failed to process request",
				slog.String("method", string(msg.Method())),
				slog.Any("error", err),
			)
		}
	case Response:
		txm.ProcessResponse(ctx, msg)
	default:
		txm.log.LogAttrs(ctx, slog.LevelWarn, "discard unsupported message", slog.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Stats returns a snapshot of the transaction counters.
func (txm *TransactionManager) Stats() TransactionStats {
	return txm.stats.snapshot(txm.clock.Now())
}

// OnClientTransactionCreated registers a callback to be called when a client transaction is created.
// The callback is called before the transaction sends the request.
func (txm *TransactionManager) OnClientTransactionCreated(fn ClientTransactionHandler) (cancel func()) {
	return txm.onNewClnTx.Add(fn)
}

// OnServerTransactionCreated registers a callback to be called when a server transaction is created.
// The callback is called before the transaction receives the request.
func (txm *TransactionManager) OnServerTransactionCreated(fn ServerTransactionHandler) (cancel func()) {
	return txm.onNewSrvTx.Add(fn)
}

// OnUnmatchedAck registers a callback to be called with ACK requests that match no transaction.
func (txm *TransactionManager) OnUnmatchedAck(fn RequestHandler) (cancel func()) {
	return txm.onUnmatchedAck.Add(fn)
}

// OnError registers a callback to be called with errors of the managed transactions:
// transport failures and timeouts.
// The transaction can be retrieved from the callback context using [TransactionFromContext].
func (txm *TransactionManager) OnError(fn ErrorHandler) (cancel func()) {
	return txm.onErr.Add(fn)
}

// ReportError passes the error to [TransactionManager.OnError] callbacks.
// It is used to relay errors of the transport that feeds the manager.
//
// An error wrapping [ErrTransportFailure] reported with the context of a live transaction
// is recorded by that transaction: its error handlers are called and a timeout
// that follows ends it with [TerminationReasonTransportFailure].
func (txm *TransactionManager) ReportError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if tx, ok := TransactionFromContext(ctx); ok && errors.Is(err, ErrTransportFailure) {
		// the transaction passes it on to the manager callbacks
		if tx.transportFailed(err) {
			return
		}
	}
	for fn := range txm.onErr.All() {
		fn(ctx, err)
	}
}

// Close terminates all registered transactions with reason [TerminationReasonAborted]
// and rejects new work with [ErrTransactionManagerClosed].
func (txm *TransactionManager) Close(ctx context.Context) error {
	txm.closeOnce.Do(func() {
		txm.closing.Store(true)
		txm.closeErr = txm.close(ctx)
	})
	return errtrace.Wrap(txm.closeErr)
}

func (txm *TransactionManager) close(ctx context.Context) error {
	var errs []error
	for key, tx := range txm.clnTxs.Items() {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate client transaction %s: %w", key, err))
		}
	}
	for key, tx := range txm.srvTxs.Items() {
		if err := tx.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate server transaction %s: %w", key, err))
		}
	}
	txm.clnTxs.Clear()
	txm.srvTxs.Clear()

	txm.log.LogAttrs(ctx, slog.LevelDebug, "transaction manager closed")

	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transaction manager:", errs...))
}
