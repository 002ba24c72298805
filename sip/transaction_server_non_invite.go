package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
)

// NonInviteServerTransaction is a non-INVITE server transaction (RFC 3261 Section 17.2.2).
type NonInviteServerTransaction struct {
	*serverTransact
}

// NewNonInviteServerTransaction creates a non-INVITE server transaction in the Trying state.
func NewNonInviteServerTransaction(req Request, tp Transport, opts *ServerTransactionOptions) (*NonInviteServerTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if m := req.Method(); m == RequestMethodInvite || m == RequestMethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM()

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))
	return tx, nil
}

const (
	timerJ = "J"

	txEvtTimerJ = "timer_j"
)

func (tx *NonInviteServerTransaction) initFSM() {
	tx.serverTransact.initFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		Ignore(txEvtRecvReq).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actDiscard).
		InternalTransition(txEvtSend2xx, tx.actDiscard).
		InternalTransition(txEvtSend300699, tx.actDiscard).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.actSendRes(ctx, args...) //nolint:errcheck

	d := tx.timings.TimeJ()
	if tx.reliable {
		d = 0
	}
	tx.startTimer(ctx, timerJ, txEvtTimerJ, d)
	return nil
}
