package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/log"
	"github.com/openvoip/siptx/timing"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ServerTransactionKey
	// RecvRequest receives a request matched to the transaction: a retransmission
	// of the original request or an ACK.
	RecvRequest(ctx context.Context, req Request) error
	// Respond sends the response generated by the TU.
	Respond(ctx context.Context, res Response) error
}

// ServerTransactionKey identifies a server transaction (RFC 3261 Section 17.2.3).
type ServerTransactionKey struct {
	// Branch is the branch parameter of the topmost Via.
	Branch string
	// SentBy is the sent-by of the topmost Via.
	SentBy string
	// Method is the request method, INVITE for ACK.
	Method RequestMethod
}

// ServerTransactionKeyFromMessage builds the server transaction key from the inbound request.
// ACK requests map to the INVITE transaction they acknowledge.
func ServerTransactionKeyFromMessage(req Request) (ServerTransactionKey, error) {
	via, ok := TopVia(req)
	if !ok {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via header"))
	}
	if via.Branch == "" {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("missing Via branch"))
	}
	mtd := req.Method()
	if mtd == RequestMethodAck {
		mtd = RequestMethodInvite
	}
	return ServerTransactionKey{
		Branch: via.Branch,
		SentBy: via.SentBy,
		Method: mtd,
	}, nil
}

// IsZero reports whether the key is a zero value.
func (k ServerTransactionKey) IsZero() bool { return k == ServerTransactionKey{} }

func (k ServerTransactionKey) String() string {
	return k.Branch + "|" + k.SentBy + "|" + string(k.Method)
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("sent_by", k.SentBy),
		slog.String("method", string(k.Method)),
	)
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
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

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) clock() timing.Clock {
	if o == nil || o.Clock == nil {
		return timing.RealClock()
	}
	return o.Clock
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewServerTransaction creates a server transaction of the type matching the request method.
// The request itself is not processed, pass it to [ServerTransaction.RecvRequest] if needed.
func NewServerTransaction(req Request, tp Transport, opts *ServerTransactionOptions) (ServerTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	switch req.Method() {
	case RequestMethodInvite:
		tx, err := NewInviteServerTransaction(req, tp, opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tx, nil
	case RequestMethodAck:
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	default:
		tx, err := NewNonInviteServerTransaction(req, tp, opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tx, nil
	}
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

type serverTransact struct {
	*baseTransact
	key     ServerTransactionKey
	resAddr string
}

func newServerTransact(
	typ TransactionType,
	impl ServerTransaction,
	req Request,
	tp Transport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	key, err := ServerTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	via, _ := TopVia(req)

	return &serverTransact{
		baseTransact: newBaseTransact(typ, impl, req, tp, opts.timings(), opts.clock(), opts.log()),
		key:          key,
		resAddr:      via.ResponseAddr(),
	}, nil
}

func (tx *serverTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)

	reqType := reflect.TypeFor[Request]()
	resType := reflect.TypeFor[Response]()
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reqType)
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reqType)
	tx.fsm.SetTriggerParameters(txEvtSend1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, resType)
}

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey {
	if tx == nil {
		return ServerTransactionKey{}
	}
	return tx.key
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// RecvRequest receives a request matched to the transaction.
// It implements the matching rules defined in RFC 3261 Section 17.2.3.
func (tx *serverTransact) RecvRequest(ctx context.Context, req Request) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	key, err := ServerTransactionKeyFromMessage(req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if key != tx.key {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}

	evt := txEvtRecvReq
	if req.Method() == RequestMethodAck {
		evt = txEvtRecvAck
	}

	tx.mu.Lock()
	if tx.State() == TransactionStateTerminated {
		tx.mu.Unlock()
		return errtrace.Wrap(ErrTransactionTerminated)
	}
	err = tx.fireLocked(ctx, evt, req)
	tx.mu.Unlock()

	tx.dispatch()
	return errtrace.Wrap(err)
}

// Respond sends the response generated by the TU.
// Responses passed after a final one are discarded.
func (tx *serverTransact) Respond(ctx context.Context, res Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if via, ok := TopVia(res); !ok || via.Branch != tx.key.Branch {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}

	var evt string
	switch sts := res.Status(); {
	case sts.IsProvisional():
		evt = txEvtSend1xx
	case sts.IsSuccessful():
		evt = txEvtSend2xx
	case sts.IsFinal():
		evt = txEvtSend300699
	default:
		return errtrace.Wrap(NewInvalidArgumentError("invalid response status %d", uint16(sts)))
	}

	tx.mu.Lock()
	err := tx.fireLocked(ctx, evt, res)
	tx.mu.Unlock()

	tx.dispatch()
	return errtrace.Wrap(err)
}

// sendRes must be called with tx.mu held.
func (tx *serverTransact) sendRes(ctx context.Context, res Response) {
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"send response",
		slog.Any("transaction", tx.impl),
		slog.Any("status", res.Status()),
		slog.String("addr", tx.resAddr),
	)
	tx.send(tx.resAddr, res)
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(Response) //nolint:forcetypeassert
	tx.setLastResponse(res)
	tx.sendRes(ctx, res)
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.LastResponse()
	if res == nil {
		return nil
	}
	tx.sendRes(ctx, res)
	return nil
}

func (tx *serverTransact) actDiscard(ctx context.Context, args ...any) error {
	res := args[0].(Response) //nolint:forcetypeassert
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"discard response",
		slog.Any("transaction", tx.impl),
		slog.Any("status", res.Status()),
	)
	return nil
}
