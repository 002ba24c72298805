package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"
)

// InviteClientTransaction is an INVITE client transaction (RFC 3261 Section 17.1.1).
type InviteClientTransaction struct {
	*clientTransact

	// guarded by mu
	ack Request
}

// NewInviteClientTransaction creates an INVITE client transaction, sends the request and arms timers A and B.
// The request must implement [AckBuilder].
func NewInviteClientTransaction(
	ctx context.Context,
	req Request,
	tp Transport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	tx, err := newInviteClientTransaction(req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.start(ctx)
	return tx, nil
}

func newInviteClientTransaction(req Request, tp Transport, opts *ClientTransactionOptions) (*InviteClientTransaction, error) {
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method() != RequestMethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	if _, ok := req.(AckBuilder); !ok {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request can not build ACK"))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM()
	return tx, nil
}

const (
	timerA = "A"
	timerB = "B"
	timerD = "D"

	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
)

func (tx *InviteClientTransaction) initFSM() {
	tx.clientTransact.initFSM(TransactionStateCalling)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actProceeding).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actCompleted).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut)
}

func (tx *InviteClientTransaction) start(ctx context.Context) {
	tx.mu.Lock()
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	tx.sendReq(ctx, tx.req)
	if !tx.reliable {
		tx.startTimer(ctx, timerA, txEvtTimerA, tx.timings.TimeA())
	}
	tx.startTimer(ctx, timerB, txEvtTimerB, tx.timings.TimeB())
	tx.mu.Unlock()

	tx.dispatch()
}

func (tx *InviteClientTransaction) actResendReq(ctx context.Context, _ ...any) error {
	tx.sendReq(ctx, tx.req)
	tx.startTimer(ctx, timerA, txEvtTimerA, tx.timings.nextRetransmit(tx.timerDuration(timerA)))
	return nil
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, timerA)
	tx.stopTimer(ctx, timerB)
	return errtrace.Wrap(tx.actPassRes(ctx, args...))
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, timerA)
	tx.stopTimer(ctx, timerB)
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck

	d := tx.timings.TimeD()
	if tx.reliable {
		d = 0
	}
	tx.startTimer(ctx, timerD, txEvtTimerD, d)
	return nil
}

// actSendAck sends the ACK for a non-2xx final response.
// The ACK is built once and resent on each retransmitted final response.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	if tx.ack == nil {
		res := args[0].(Response) //nolint:forcetypeassert
		ack, err := tx.req.(AckBuilder).NewAck(res) //nolint:forcetypeassert
		if err != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn,
				"failed to build ACK",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
			tx.events.Append(errorEvent{errtrace.Wrap(err)})
			return nil
		}
		tx.ack = ack
	}

	tx.sendReq(ctx, tx.ack)
	return nil
}
