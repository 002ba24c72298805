package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/internal/types"
)

// InviteServerTransaction is an INVITE server transaction (RFC 3261 Section 17.2.1).
type InviteServerTransaction struct {
	*serverTransact

	onAck types.CallbackManager[TransactionRequestHandler]
}

// NewInviteServerTransaction creates an INVITE server transaction in the Proceeding state.
// Nothing is sent until the TU responds.
func NewInviteServerTransaction(req Request, tp Transport, opts *ServerTransactionOptions) (*InviteServerTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method() != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM()

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))
	return tx, nil
}

const (
	timerG = "G"
	timerH = "H"
	timerI = "I"

	txEvtTimerG = "timer_g"
	txEvtTimerH = "timer_h"
	txEvtTimerI = "timer_i"
)

type ackEvent struct{ req Request }

func (ackEvent) txEvent() {}

func (tx *InviteServerTransaction) initFSM() {
	tx.serverTransact.initFSM(TransactionStateProceeding)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		Ignore(txEvtRecvAck).
		Permit(txEvtSend2xx, TransactionStateTerminated).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend300699, tx.actCompleted).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actRetransmitRes).
		InternalTransition(txEvtSend1xx, tx.actDiscard).
		InternalTransition(txEvtSend2xx, tx.actDiscard).
		InternalTransition(txEvtSend300699, tx.actDiscard).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntryFrom(txEvtRecvAck, tx.actConfirmed).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		InternalTransition(txEvtSend1xx, tx.actDiscard).
		InternalTransition(txEvtSend2xx, tx.actDiscard).
		InternalTransition(txEvtSend300699, tx.actDiscard).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut)
}

// OnAck registers a callback to be called when the ACK for a non-2xx final response is received.
// Retransmitted ACKs are absorbed.
func (tx *InviteServerTransaction) OnAck(fn TransactionRequestHandler) (cancel func()) {
	return tx.onAck.Add(fn)
}

func (tx *InviteServerTransaction) deliverEvent(ctx context.Context, ev txEvent) {
	if ev, ok := ev.(ackEvent); ok {
		for fn := range tx.onAck.All() {
			fn(ctx, tx, ev.req)
		}
	}
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.actSendRes(ctx, args...) //nolint:errcheck

	if !tx.reliable {
		tx.startTimer(ctx, timerG, txEvtTimerG, tx.timings.TimeG())
	}
	tx.startTimer(ctx, timerH, txEvtTimerH, tx.timings.TimeH())
	return nil
}

func (tx *InviteServerTransaction) actRetransmitRes(ctx context.Context, _ ...any) error {
	tx.actResendRes(ctx) //nolint:errcheck
	tx.startTimer(ctx, timerG, txEvtTimerG, tx.timings.nextRetransmit(tx.timerDuration(timerG)))
	return nil
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, timerG)
	tx.stopTimer(ctx, timerH)

	d := tx.timings.TimeI()
	if tx.reliable {
		d = 0
	}
	tx.startTimer(ctx, timerI, txEvtTimerI, d)

	req := args[0].(Request) //nolint:forcetypeassert
	tx.events.Append(ackEvent{req})
	return nil
}
