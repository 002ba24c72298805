// Package message provides a minimal SIP message model implementing the read contract
// of the sip package: parsing of datagrams, building of requests, responses and ACKs,
// and rendering to the wire form.
package message

//go:generate errtrace -w .
