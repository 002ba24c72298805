package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/openvoip/siptx/message"
	"github.com/openvoip/siptx/sip"
	"github.com/openvoip/siptx/timing"
)

// pinger sends OPTIONS to the target on every tick and logs the outcome.
type pinger struct {
	txm    *sip.TransactionManager
	target string
	sentBy string
	log    *slog.Logger
}

// run pings until ctx is canceled.
func (p *pinger) run(ctx context.Context, clock timing.Clock, interval time.Duration) {
	tmr := clock.Every(interval, func() { p.ping(ctx) })
	<-ctx.Done()
	tmr.Stop()
}

func (p *pinger) ping(ctx context.Context) {
	req, err := message.NewRequest(sip.RequestMethodOptions, "sip:"+p.target, &message.RequestOptions{
		SentBy: p.sentBy,
		Remote: p.target,
	})
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelError, "failed to build OPTIONS", slog.Any("error", err))
		return
	}

	start := time.Now()
	tx, err := p.txm.CreateClientTransaction(ctx, req, nil)
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "failed to send OPTIONS", slog.String("target", p.target), slog.Any("error", err))
		return
	}
	tx.OnResponse(func(ctx context.Context, _ sip.ClientTransaction, res sip.Response) {
		if !res.Status().IsFinal() {
			return
		}
		p.log.LogAttrs(ctx, slog.LevelInfo,
			"ping answered",
			slog.String("target", p.target),
			slog.Any("status", res.Status()),
			slog.Duration("rtt", time.Since(start)),
		)
	})
	tx.OnTerminated(func(ctx context.Context, reason sip.TerminationReason) {
		if reason != sip.TerminationReasonNormal {
			p.log.LogAttrs(ctx, slog.LevelWarn, "ping failed", slog.String("target", p.target), slog.Any("reason", reason))
		}
	})
}
