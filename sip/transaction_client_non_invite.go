package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
)

// NonInviteClientTransaction is a non-INVITE client transaction (RFC 3261 Section 17.1.2).
type NonInviteClientTransaction struct {
	*clientTransact
}

// NewNonInviteClientTransaction creates a non-INVITE client transaction, sends the request
// and arms timers E and F.
func NewNonInviteClientTransaction(
	ctx context.Context,
	req Request,
	tp Transport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	tx, err := newNonInviteClientTransaction(req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func newNonInviteClientTransaction(req Request, tp Transport, opts *ClientTransactionOptions) (*NonInviteClientTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if m := req.Method(); m == RequestMethodInvite || m == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM()
	return tx, nil
}

const (
	timerE = "E"
	timerF = "F"
	timerK = "K"

	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM() {
	tx.clientTransact.initFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actResendReqT2).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actCompleted).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut)
}

func (tx *NonInviteClientTransaction) start(ctx context.Context) {
	tx.mu.Lock()
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	tx.sendReq(ctx, tx.req)
	if !tx.reliable {
		tx.startTimer(ctx, timerE, txEvtTimerE, tx.timings.TimeE())
	}
	tx.startTimer(ctx, timerF, txEvtTimerF, tx.timings.TimeF())
	tx.mu.Unlock()

	tx.dispatch()
}

func (tx *NonInviteClientTransaction) actResendReq(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx, tx.req)
	tx.startTimer(ctx, timerE, txEvtTimerE, tx.timings.nextRetransmit(tx.timerDuration(timerE)))
	return nil
}

func (tx *NonInviteClientTransaction) actResendReqT2(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx, tx.req)
	tx.startTimer(ctx, timerE, txEvtTimerE, tx.timings.T2())
	return nil
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, timerE)
	tx.stopTimer(ctx, timerF)
	tx.actPassRes(ctx, args...) //nolint:errcheck

	d := tx.timings.TimeK()
	if tx.reliable {
		d = 0
	}
	tx.startTimer(ctx, timerK, txEvtTimerK, d)
	return nil
}
