package sip

import "context"

// Transport sends rendered messages to peers.
//
// Transactions call Send outside of their lock, one message at a time, in the order
// the messages were produced. Send should return quickly and leave slow work such as
// target resolution to the transport.
// A failed send is reported by the transaction through its error handlers and never
// changes the transaction state. Failures detected after Send returned are passed
// back with [TransactionManager.ReportError] and the context given to Send.
type Transport interface {
	Send(ctx context.Context, addr string, data []byte) error
}

// TransportFunc is an adapter to use ordinary functions as [Transport].
type TransportFunc func(ctx context.Context, addr string, data []byte) error

func (f TransportFunc) Send(ctx context.Context, addr string, data []byte) error {
	return f(ctx, addr, data) //errtrace:skip
}
