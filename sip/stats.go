package sip

import (
	"sync/atomic"
	"time"
)

// TransactionStats is a snapshot of the transaction manager counters.
type TransactionStats struct {
	// Time is the time the snapshot was taken at.
	Time time.Time `json:"time"`
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions uint64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions uint64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions uint64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions uint64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of created invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of created non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of created invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of created non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
	// TimedOutTransactionsTotal is a total number of transactions terminated by timer B, F or H.
	TimedOutTransactionsTotal uint64 `json:"timed_out_transactions_total"`
	// UnmatchedResponsesTotal is a total number of responses that matched no client transaction.
	UnmatchedResponsesTotal uint64 `json:"unmatched_responses_total"`
	// UnmatchedAcksTotal is a total number of ACK requests that matched no server transaction.
	UnmatchedAcksTotal uint64 `json:"unmatched_acks_total"`
}

type transactStats struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal,
	timedOutTotal,
	unmatchedRess,
	unmatchedAcks atomic.Uint64
}

func (s *transactStats) counters(typ TransactionType) (active *atomic.Int64, total *atomic.Uint64) {
	switch typ {
	case TransactionTypeClientInvite:
		return &s.invClnTxs, &s.invClnTxsTotal
	case TransactionTypeClientNonInvite:
		return &s.ninvClnTxs, &s.ninvClnTxsTotal
	case TransactionTypeServerInvite:
		return &s.invSrvTxs, &s.invSrvTxsTotal
	default:
		return &s.ninvSrvTxs, &s.ninvSrvTxsTotal
	}
}

func (s *transactStats) txCreated(typ TransactionType) {
	active, total := s.counters(typ)
	active.Add(1)
	total.Add(1)
}

func (s *transactStats) txRemoved(typ TransactionType) {
	active, _ := s.counters(typ)
	active.Add(-1)
}

func (s *transactStats) txTerminated(reason TerminationReason) {
	if reason == TerminationReasonAckTimeout || reason == TerminationReasonTransportFailure {
		s.timedOutTotal.Add(1)
	}
}

func clampToUint64(value int64) uint64 {
	if value < 0 {
		return 0
	}
	return uint64(value)
}

func (s *transactStats) snapshot(now time.Time) TransactionStats {
	return TransactionStats{
		Time:                             now,
		InviteClientTransactions:         clampToUint64(s.invClnTxs.Load()),
		NonInviteClientTransactions:      clampToUint64(s.ninvClnTxs.Load()),
		InviteServerTransactions:         clampToUint64(s.invSrvTxs.Load()),
		NonInviteServerTransactions:      clampToUint64(s.ninvSrvTxs.Load()),
		InviteClientTransactionsTotal:    s.invClnTxsTotal.Load(),
		NonInviteClientTransactionsTotal: s.ninvClnTxsTotal.Load(),
		InviteServerTransactionsTotal:    s.invSrvTxsTotal.Load(),
		NonInviteServerTransactionsTotal: s.ninvSrvTxsTotal.Load(),
		TimedOutTransactionsTotal:        s.timedOutTotal.Load(),
		UnmatchedResponsesTotal:          s.unmatchedRess.Load(),
		UnmatchedAcksTotal:               s.unmatchedAcks.Load(),
	}
}
