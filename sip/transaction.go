package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/openvoip/siptx/internal/errorutil"
	"github.com/openvoip/siptx/internal/types"
	"github.com/openvoip/siptx/timing"
)

// TransactionState is a state of the transaction FSM.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "Calling"
	TransactionStateTrying     TransactionState = "Trying"
	TransactionStateProceeding TransactionState = "Proceeding"
	TransactionStateCompleted  TransactionState = "Completed"
	TransactionStateConfirmed  TransactionState = "Confirmed"
	TransactionStateTerminated TransactionState = "Terminated"
)

func (s TransactionState) String() string { return string(s) }

// TransactionType is a kind of the transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "ClientInvite"
	TransactionTypeClientNonInvite TransactionType = "ClientNonInvite"
	TransactionTypeServerInvite    TransactionType = "ServerInvite"
	TransactionTypeServerNonInvite TransactionType = "ServerNonInvite"
)

func (t TransactionType) String() string { return string(t) }

// IsClient reports whether the type is one of the client transaction types.
func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

// TerminationReason describes why the transaction reached the Terminated state.
type TerminationReason uint8

const (
	// TerminationReasonNormal is set when the transaction completed its exchange.
	TerminationReasonNormal TerminationReason = iota
	// TerminationReasonAckTimeout is set when timer B, F or H fired.
	TerminationReasonAckTimeout
	// TerminationReasonTransportFailure is set when the transaction timed out after a failed send.
	TerminationReasonTransportFailure
	// TerminationReasonAborted is set by [Transaction.Terminate] and manager shutdown.
	TerminationReasonAborted
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationReasonNormal:
		return "normal"
	case TerminationReasonAckTimeout:
		return "ack_timeout"
	case TerminationReasonTransportFailure:
		return "transport_failure"
	case TerminationReasonAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TerminationReason(%d)", uint8(r))
	}
}

// Transaction is a SIP transaction.
//
// The set of implementations is closed:
// [*InviteClientTransaction], [*NonInviteClientTransaction],
// [*InviteServerTransaction] and [*NonInviteServerTransaction].
type Transaction interface {
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Request returns the request that created the transaction.
	Request() Request
	// LastResponse returns the last response received (client) or sent (server) by the transaction.
	LastResponse() Response
	// Reliable reports whether the transaction runs over a reliable transport.
	Reliable() bool
	// Context returns the transaction context.
	// Handlers are called with this context.
	Context() context.Context
	// Terminate moves the transaction to the Terminated state immediately.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback to be called on each state transition.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// OnError registers a callback to be called on transport failures and timeouts.
	OnError(fn ErrorHandler) (cancel func())
	// OnTerminated registers a callback to be called once the transaction is terminated.
	OnTerminated(fn TransactionTerminatedHandler) (cancel func())

	slog.LogValuer

	transaction()
	setTerminateHook(fn func())
	transportFailed(err error) bool
}

const txCtxKey types.ContextKey = "transaction"

// ContextWithTransaction returns a copy of ctx that carries the transaction.
func ContextWithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txCtxKey, tx)
}

// TransactionFromContext returns the transaction stored in ctx.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey).(Transaction)
	return tx, ok
}

const (
	txEvtTerminate = "terminate"
)

type txEvent interface {
	txEvent()
}

type stateChangedEvent struct{ from, to TransactionState }

type errorEvent struct{ err error }

type terminatedEvent struct{ reason TerminationReason }

// sendEvent carries a rendered message to the transport.
type sendEvent struct {
	addr string
	data []byte
}

func (stateChangedEvent) txEvent() {}
func (errorEvent) txEvent()        {}
func (terminatedEvent) txEvent()   {}
func (sendEvent) txEvent()         {}

// eventDeliverer is implemented by variants that raise their own events.
type eventDeliverer interface {
	deliverEvent(ctx context.Context, ev txEvent)
}

type txTimer struct {
	tmr timing.Timer
	dur time.Duration
	gen uint64
}

type resBox struct{ Response }

type baseTransact struct {
	typ      TransactionType
	impl     Transaction
	ctx      context.Context //nolint:containedctx
	log      *slog.Logger
	clock    timing.Clock
	timings  TimingConfig
	tp       Transport
	req      Request
	reliable bool

	state   atomic.Value // TransactionState
	lastRes atomic.Pointer[resBox]

	// guarded by mu
	mu          sync.Mutex
	fsm         *stateless.StateMachine
	timers      map[string]*txTimer
	timerGen    uint64
	queued      []string
	terminated  bool
	reason      TerminationReason
	lastSendErr error
	onTerm      func()

	events     types.Deque[txEvent]
	dispatchMu sync.Mutex

	onStateChanged types.CallbackManager[TransactionStateHandler]
	onErr          types.CallbackManager[ErrorHandler]
	onTerminated   types.CallbackManager[TransactionTerminatedHandler]
}

func newBaseTransact(
	typ TransactionType,
	impl Transaction,
	req Request,
	tp Transport,
	timings TimingConfig,
	clock timing.Clock,
	logger *slog.Logger,
) *baseTransact {
	return &baseTransact{
		typ:      typ,
		impl:     impl,
		ctx:      ContextWithTransaction(context.Background(), impl),
		log:      logger,
		clock:    clock,
		timings:  timings,
		tp:       tp,
		req:      req,
		reliable: IsReliable(req),
		timers:   make(map[string]*txTimer),
	}
}

func (*baseTransact) transaction() {}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	if tx == nil {
		return ""
	}
	s, _ := tx.state.Load().(TransactionState)
	return s
}

// Request returns the request that created the transaction.
func (tx *baseTransact) Request() Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response received or sent by the transaction.
// It is cleared once the transaction is terminated and all its entry actions have run.
func (tx *baseTransact) LastResponse() Response {
	if tx == nil {
		return nil
	}
	if b := tx.lastRes.Load(); b != nil {
		return b.Response
	}
	return nil
}

func (tx *baseTransact) Reliable() bool { return tx.reliable }

// Context returns the transaction context.
// The transaction can be retrieved from it using [TransactionFromContext].
func (tx *baseTransact) Context() context.Context { return tx.ctx }

// Terminate moves the transaction to the Terminated state with reason [TerminationReasonAborted].
// It is a no-op on the terminated transaction.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	tx.mu.Lock()
	err := tx.fireLocked(ctx, txEvtTerminate)
	tx.mu.Unlock()
	tx.dispatch()
	return errtrace.Wrap(err)
}

// OnStateChanged registers a callback to be called on each state transition.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onStateChanged.Add(fn)
}

// OnError registers a callback to be called when the transaction fails to send a message
// or when it times out.
func (tx *baseTransact) OnError(fn ErrorHandler) (cancel func()) {
	return tx.onErr.Add(fn)
}

// OnTerminated registers a callback to be called once the transaction is terminated.
func (tx *baseTransact) OnTerminated(fn TransactionTerminatedHandler) (cancel func()) {
	return tx.onTerminated.Add(fn)
}

// setTerminateHook sets the function called under the transaction lock on entering Terminated.
// Must be called before the transaction is shared.
func (tx *baseTransact) setTerminateHook(fn func()) {
	tx.onTerm = fn
}

func (tx *baseTransact) initFSM(start TransactionState) {
	tx.state.Store(start)
	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return tx.State(), nil
		},
		func(ctx context.Context, s stateless.State) error {
			from, to := tx.State(), s.(TransactionState) //nolint:forcetypeassert
			tx.state.Store(to)
			tx.events.Append(stateChangedEvent{from, to})

			tx.log.LogAttrs(ctx, slog.LevelDebug,
				"transaction state changed",
				slog.Any("transaction", tx.impl),
				slog.Any("from", from),
				slog.Any("to", to),
			)
			return nil
		},
		stateless.FiringImmediate,
	)
	tx.fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"trigger ignored",
			slog.Any("transaction", tx.impl),
			slog.Any("state", state),
			slog.Any("trigger", trigger),
		)
		return nil
	})

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTerminate, tx.actAborted)
}

// fireLocked fires the trigger and then every trigger queued by its actions.
// Must be called with tx.mu held.
func (tx *baseTransact) fireLocked(ctx context.Context, trigger string, args ...any) error {
	err := tx.fsm.FireCtx(ctx, trigger, args...)
	for len(tx.queued) > 0 {
		next := tx.queued[0]
		tx.queued = tx.queued[1:]
		if err := tx.fsm.FireCtx(ctx, next); err != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn,
				"failed to fire queued trigger",
				slog.Any("transaction", tx.impl),
				slog.String("trigger", next),
				slog.Any("error", err),
			)
		}
	}

	if !tx.terminated && tx.State() == TransactionStateTerminated {
		tx.terminated = true
		tx.lastRes.Store(nil)
		tx.events.Append(terminatedEvent{tx.reason})
		if tx.onTerm != nil {
			tx.onTerm()
		}
	}

	if err != nil {
		return errtrace.Wrap(fmt.Errorf("fire %q in state %q: %w", trigger, tx.State(), err))
	}
	return nil
}

// dispatch delivers queued events outside of the transaction lock.
// Only one goroutine delivers at a time, so handlers observe events in order
// and the transport receives messages in the order they were queued.
func (tx *baseTransact) dispatch() {
	for !tx.events.IsEmpty() {
		if !tx.dispatchMu.TryLock() {
			return
		}
		for {
			ev, ok := tx.events.PopFirst()
			if !ok {
				break
			}
			tx.deliver(ev)
		}
		tx.dispatchMu.Unlock()
	}
}

func (tx *baseTransact) deliver(ev txEvent) {
	switch ev := ev.(type) {
	case sendEvent:
		tx.transmit(ev)
	case stateChangedEvent:
		for fn := range tx.onStateChanged.All() {
			fn(tx.ctx, ev.from, ev.to)
		}
	case errorEvent:
		for fn := range tx.onErr.All() {
			fn(tx.ctx, ev.err)
		}
	case terminatedEvent:
		for fn := range tx.onTerminated.All() {
			fn(tx.ctx, ev.reason)
		}
	default:
		if d, ok := tx.impl.(eventDeliverer); ok {
			d.deliverEvent(tx.ctx, ev)
		}
	}
}

// startTimer arms the named timer that fires the trigger after d.
// Zero duration queues the trigger to be fired right after the current one.
// Must be called with tx.mu held.
func (tx *baseTransact) startTimer(ctx context.Context, name, trigger string, d time.Duration) {
	tx.stopTimer(ctx, name)

	if d <= 0 {
		tx.queued = append(tx.queued, trigger)
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" fired immediately", slog.Any("transaction", tx.impl))
		return
	}

	tx.timerGen++
	gen := tx.timerGen
	t := &txTimer{dur: d, gen: gen}
	t.tmr = tx.clock.AfterFunc(d, func() { tx.onTimer(name, gen, trigger) })
	tx.timers[name] = t

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tx.clock.Now().Add(d)),
	)
}

// stopTimer must be called with tx.mu held.
func (tx *baseTransact) stopTimer(ctx context.Context, name string) {
	t, ok := tx.timers[name]
	if !ok {
		return
	}
	delete(tx.timers, name)
	t.tmr.Stop()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
}

// stopTimers must be called with tx.mu held.
func (tx *baseTransact) stopTimers(ctx context.Context) {
	for name := range tx.timers {
		tx.stopTimer(ctx, name)
	}
}

// timerDuration returns the interval the named timer was armed with.
// Must be called with tx.mu held.
func (tx *baseTransact) timerDuration(name string) time.Duration {
	if t, ok := tx.timers[name]; ok {
		return t.dur
	}
	return 0
}

func (tx *baseTransact) onTimer(name string, gen uint64, trigger string) {
	tx.mu.Lock()
	if t, ok := tx.timers[name]; !ok || t.gen != gen {
		tx.mu.Unlock()
		return
	}

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx.impl))

	if err := tx.fireLocked(tx.ctx, trigger); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelWarn,
			"failed to handle timer",
			slog.Any("transaction", tx.impl),
			slog.String("timer", name),
			slog.Any("error", err),
		)
	}
	// not re-armed by the action
	if t, ok := tx.timers[name]; ok && t.gen == gen {
		delete(tx.timers, name)
	}
	tx.mu.Unlock()

	tx.dispatch()
}

// send renders the message and queues it for the transport.
// A send failure is kept until the transaction ends, so a timeout that follows it
// is reported as [TerminationReasonTransportFailure].
// The message is passed to the transport by [baseTransact.dispatch] once the lock is released.
// Must be called with tx.mu held.
func (tx *baseTransact) send(addr string, msg Message) {
	tx.events.Append(sendEvent{addr, msg.Render()})
}

func (tx *baseTransact) transmit(ev sendEvent) {
	err := tx.tp.Send(tx.ctx, ev.addr, ev.data)
	if err == nil {
		return
	}
	err = errorutil.NewWrapperError(ErrTransportFailure, err)

	tx.log.LogAttrs(tx.ctx, slog.LevelWarn,
		"failed to send message",
		slog.Any("transaction", tx.impl),
		slog.String("addr", ev.addr),
		slog.Any("error", err),
	)

	tx.mu.Lock()
	if !tx.terminated {
		tx.lastSendErr = err
	}
	tx.mu.Unlock()

	tx.deliver(errorEvent{err})
}

// transportFailed records a failure the transport detected after [Transport.Send] returned.
// It reports false if the transaction is already terminated.
func (tx *baseTransact) transportFailed(err error) bool {
	err = errorutil.NewWrapperError(ErrTransportFailure, err)

	tx.mu.Lock()
	if tx.terminated {
		tx.mu.Unlock()
		return false
	}
	tx.lastSendErr = err
	tx.events.Append(errorEvent{err})
	tx.mu.Unlock()

	tx.dispatch()
	return true
}

func (tx *baseTransact) setLastResponse(res Response) {
	tx.lastRes.Store(&resBox{res})
}

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.reason = TerminationReasonAckTimeout
	err := error(ErrTransactionTimedOut)
	if tx.lastSendErr != nil {
		tx.reason = TerminationReasonTransportFailure
		err = fmt.Errorf("%w: %w", ErrTransactionTimedOut, tx.lastSendErr)
	}
	tx.events.Append(errorEvent{errtrace.Wrap(err)})

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))
	return nil
}

func (tx *baseTransact) actAborted(ctx context.Context, _ ...any) error {
	tx.reason = TerminationReasonAborted

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction aborted", slog.Any("transaction", tx.impl))
	return nil
}

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.stopTimers(ctx)
	tx.queued = nil

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))
	return nil
}
