package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/internal/types"
	"github.com/openvoip/siptx/log"
	"github.com/openvoip/siptx/timing"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ClientTransactionKey
	// RecvResponse is called on each inbound response matched to the transaction.
	RecvResponse(ctx context.Context, res Response) error
	// OnResponse registers a callback to be called when the transaction passes a response to the TU.
	OnResponse(fn TransactionResponseHandler) (cancel func())

	start(ctx context.Context)
}

// ClientTransactionKey identifies a client transaction (RFC 3261 Section 17.1.3).
type ClientTransactionKey struct {
	// Branch is the branch parameter of the topmost Via.
	Branch string
	// Method is the CSeq method.
	Method RequestMethod
}

// ClientTransactionKeyFromMessage builds the client transaction key from the request
// sent by the transaction or from the response received on it.
func ClientTransactionKeyFromMessage(msg Message) (ClientTransactionKey, error) {
	via, ok := TopVia(msg)
	if !ok {
		return ClientTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via header"))
	}
	if via.Branch == "" {
		return ClientTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via branch"))
	}
	return ClientTransactionKey{
		Branch: via.Branch,
		Method: msg.CSeq().Method,
	}, nil
}

// IsZero reports whether the key is a zero value.
func (k ClientTransactionKey) IsZero() bool { return k == ClientTransactionKey{} }

func (k ClientTransactionKey) String() string { return k.Branch + "|" + string(k.Method) }

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", string(k.Method)),
	)
}

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Clock drives the transaction timers.
	// If nil, [timing.RealClock] will be used.
	Clock timing.Clock
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientTransactionOptions) clock() timing.Clock {
	if o == nil || o.Clock == nil {
		return timing.RealClock()
	}
	return o.Clock
}

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewClientTransaction creates and starts a client transaction of the type matching the request method.
func NewClientTransaction(
	ctx context.Context,
	req Request,
	tp Transport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	tx, err := newClientTransaction(req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func newClientTransaction(req Request, tp Transport, opts *ClientTransactionOptions) (ClientTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	switch req.Method() {
	case RequestMethodInvite:
		tx, err := newInviteClientTransaction(req, tp, opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tx, nil
	case RequestMethodAck:
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	default:
		tx, err := newNonInviteClientTransaction(req, tp, opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tx, nil
	}
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

type responseEvent struct{ res Response }

type flushResponsesEvent struct{}

func (responseEvent) txEvent()       {}
func (flushResponsesEvent) txEvent() {}

type clientTransact struct {
	*baseTransact
	key ClientTransactionKey

	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Deque[Response]
}

func newClientTransact(
	typ TransactionType,
	impl ClientTransaction,
	req Request,
	tp Transport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if req.RemoteAddr() == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing request destination"))
	}
	key, err := ClientTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if key.Method != req.Method() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("CSeq method %q does not match request method %q", key.Method, req.Method()))
	}

	return &clientTransact{
		baseTransact: newBaseTransact(typ, impl, req, tp, opts.timings(), opts.clock(), opts.log()),
		key:          key,
	}, nil
}

func (tx *clientTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)

	resType := reflect.TypeFor[Response]()
	tx.fsm.SetTriggerParameters(txEvtRecv1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv300699, resType)
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey {
	if tx == nil {
		return ClientTransactionKey{}
	}
	return tx.key
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// RecvResponse is called on each inbound response matched to the transaction.
// It implements the matching rules defined in RFC 3261 Section 17.1.3:
// the response must carry the transaction branch and method.
func (tx *clientTransact) RecvResponse(ctx context.Context, res Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	key, err := ClientTransactionKeyFromMessage(res)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if key != tx.key {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}

	var evt string
	switch sts := res.Status(); {
	case sts.IsProvisional():
		evt = txEvtRecv1xx
	case sts.IsSuccessful():
		evt = txEvtRecv2xx
	case sts.IsFinal():
		evt = txEvtRecv300699
	default:
		return errtrace.Wrap(NewInvalidArgumentError("invalid response status %d", uint16(sts)))
	}

	tx.mu.Lock()
	if tx.State() == TransactionStateTerminated {
		tx.mu.Unlock()
		return errtrace.Wrap(ErrTransactionTerminated)
	}
	err = tx.fireLocked(ctx, evt, res)
	tx.mu.Unlock()

	tx.dispatch()
	return errtrace.Wrap(err)
}

// OnResponse registers a callback to be called when the transaction passes a response to the TU.
//
// Responses received before the first callback was registered are buffered
// and delivered to it in order.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.events.Append(flushResponsesEvent{})
	tx.dispatch()
	return cancel
}

func (tx *clientTransact) deliverEvent(ctx context.Context, ev txEvent) {
	switch ev := ev.(type) {
	case responseEvent:
		if tx.onRes.Len() == 0 {
			tx.pendingRess.Append(ev.res)
			return
		}
		tx.deliverResponse(ctx, ev.res)
	case flushResponsesEvent:
		for _, res := range tx.pendingRess.Drain() {
			tx.deliverResponse(ctx, res)
		}
	}
}

func (tx *clientTransact) deliverResponse(ctx context.Context, res Response) {
	clnTx := tx.impl.(ClientTransaction) //nolint:forcetypeassert
	for fn := range tx.onRes.All() {
		fn(ctx, clnTx, res)
	}
}

// sendReq must be called with tx.mu held.
func (tx *clientTransact) sendReq(ctx context.Context, req Request) {
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"send request",
		slog.Any("transaction", tx.impl),
		slog.String("method", string(req.Method())),
		slog.String("addr", tx.req.RemoteAddr()),
	)
	tx.send(tx.req.RemoteAddr(), req)
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(Response) //nolint:forcetypeassert
	tx.setLastResponse(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"pass response",
		slog.Any("transaction", tx.impl),
		slog.Any("status", res.Status()),
	)

	tx.events.Append(responseEvent{res})
	return nil
}
