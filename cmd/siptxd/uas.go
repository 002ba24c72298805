package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/openvoip/siptx/message"
	"github.com/openvoip/siptx/sip"
)

// uas answers every new inbound request: INVITEs are rejected with 486 when busy
// or accepted with 200, all other requests get 200.
type uas struct {
	txm  *sip.TransactionManager
	busy bool
	log  *slog.Logger

	fresh sync.Map // sip.ServerTransaction -> struct{}
}

func newUAS(txm *sip.TransactionManager, busy bool, logger *slog.Logger) *uas {
	u := &uas{txm: txm, busy: busy, log: logger}
	txm.OnServerTransactionCreated(func(_ context.Context, tx sip.ServerTransaction) {
		u.fresh.Store(tx, struct{}{})
		tx.OnTerminated(func(context.Context, sip.TerminationReason) { u.fresh.Delete(tx) })
	})
	txm.OnUnmatchedAck(func(ctx context.Context, req sip.Request) {
		u.log.LogAttrs(ctx, slog.LevelDebug, "ACK for 2xx received", slog.String("from", req.RemoteAddr()))
	})
	return u
}

// handleMessage is the transport message handler.
func (u *uas) handleMessage(ctx context.Context, msg sip.Message) {
	req, ok := msg.(*message.Request)
	if !ok {
		u.txm.HandleMessage(ctx, msg)
		return
	}

	tx, err := u.txm.ProcessRequest(ctx, req)
	if err != nil {
		if tx != nil {
			u.fresh.Delete(tx)
		}
		if !errors.Is(err, sip.ErrTransactionNotFound) {
			u.log.LogAttrs(ctx, slog.LevelWarn,
				"failed to process request",
				slog.String("method", string(req.Method())),
				slog.Any("error", err),
			)
		}
		return
	}
	if _, ok := u.fresh.LoadAndDelete(tx); !ok {
		return
	}
	u.answer(ctx, tx, req)
}

func (u *uas) answer(ctx context.Context, tx sip.ServerTransaction, req *message.Request) {
	var ress []*message.Response
	switch req.Method() {
	case sip.RequestMethodInvite:
		ress = append(ress, req.NewResponse(sip.ResponseStatusTrying, ""))
		if u.busy {
			ress = append(ress, req.NewResponse(sip.ResponseStatusBusyHere, ""))
		} else {
			ress = append(ress, req.NewResponse(sip.ResponseStatusOK, ""))
		}
	default:
		ress = append(ress, req.NewResponse(sip.ResponseStatusOK, ""))
	}

	for _, res := range ress {
		if err := tx.Respond(ctx, res); err != nil {
			u.log.LogAttrs(ctx, slog.LevelWarn,
				"failed to respond",
				slog.Any("transaction", tx),
				slog.Any("status", res.Status()),
				slog.Any("error", err),
			)
			return
		}
	}
	u.log.LogAttrs(ctx, slog.LevelInfo,
		"request answered",
		slog.String("method", string(req.Method())),
		slog.String("from", req.RemoteAddr()),
		slog.Any("status", ress[len(ress)-1].Status()),
	)
}
