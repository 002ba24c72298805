// Package sip implements the SIP transaction layer as defined in RFC 3261 Section 17.
//
// The package provides the four transaction state machines (INVITE and non-INVITE, client and server),
// the transaction keys used to match inbound messages, and a [TransactionManager] that creates,
// matches and evicts transactions. Messages are accessed through the small read contract
// of [Message], [Request] and [Response], so any message model can be plugged in.
//
// Timers are driven by a [timing.Clock], which makes the transactions fully testable
// with [timing.MockClock].
package sip

//go:generate errtrace -w .
