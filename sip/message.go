package sip

import (
	"net"
	"strconv"
	"strings"

	"github.com/openvoip/siptx/internal/util"
)

// RequestMethod is a SIP request method.
type RequestMethod string

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

func (m RequestMethod) IsValid() bool {
	if m == "" {
		return false
	}
	for _, c := range []byte(m) {
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func (m RequestMethod) String() string { return string(m) }

func isTokenChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-.!%*_+`'~", c) >= 0
}

// ResponseStatus is a SIP response status code.
type ResponseStatus uint16

const (
	ResponseStatusTrying          ResponseStatus = 100
	ResponseStatusRinging         ResponseStatus = 180
	ResponseStatusSessionProgress ResponseStatus = 183

	ResponseStatusOK       ResponseStatus = 200
	ResponseStatusAccepted ResponseStatus = 202

	ResponseStatusMovedTemporarily ResponseStatus = 302

	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusUnauthorized                ResponseStatus = 401
	ResponseStatusForbidden                   ResponseStatus = 403
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusMethodNotAllowed            ResponseStatus = 405
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusTemporarilyUnavailable      ResponseStatus = 480
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487
	ResponseStatusNotAcceptableHere           ResponseStatus = 488

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusNotImplemented      ResponseStatus = 501
	ResponseStatusServiceUnavailable  ResponseStatus = 503
	ResponseStatusServerTimeout       ResponseStatus = 504

	ResponseStatusBusyEverywhere ResponseStatus = 600
	ResponseStatusDecline        ResponseStatus = 603
)

var responseReasons = map[ResponseStatus]string{
	ResponseStatusTrying:                      "Trying",
	ResponseStatusRinging:                     "Ringing",
	ResponseStatusSessionProgress:             "Session Progress",
	ResponseStatusOK:                          "OK",
	ResponseStatusAccepted:                    "Accepted",
	ResponseStatusMovedTemporarily:            "Moved Temporarily",
	ResponseStatusBadRequest:                  "Bad Request",
	ResponseStatusUnauthorized:                "Unauthorized",
	ResponseStatusForbidden:                   "Forbidden",
	ResponseStatusNotFound:                    "Not Found",
	ResponseStatusMethodNotAllowed:            "Method Not Allowed",
	ResponseStatusRequestTimeout:              "Request Timeout",
	ResponseStatusTemporarilyUnavailable:      "Temporarily Unavailable",
	ResponseStatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	ResponseStatusBusyHere:                    "Busy Here",
	ResponseStatusRequestTerminated:           "Request Terminated",
	ResponseStatusNotAcceptableHere:           "Not Acceptable Here",
	ResponseStatusServerInternalError:         "Server Internal Error",
	ResponseStatusNotImplemented:              "Not Implemented",
	ResponseStatusServiceUnavailable:          "Service Unavailable",
	ResponseStatusServerTimeout:               "Server Time-out",
	ResponseStatusBusyEverywhere:              "Busy Everywhere",
	ResponseStatusDecline:                     "Decline",
}

func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }

// Reason returns the default reason phrase of the status.
func (s ResponseStatus) Reason() string { return responseReasons[s] }

func (s ResponseStatus) String() string {
	if r := s.Reason(); r != "" {
		return strconv.Itoa(int(s)) + " " + r
	}
	return strconv.Itoa(int(s))
}

// TransportProto is a transport protocol name as it appears in the Via header.
type TransportProto string

const (
	TransportProtoUDP  TransportProto = "UDP"
	TransportProtoTCP  TransportProto = "TCP"
	TransportProtoTLS  TransportProto = "TLS"
	TransportProtoSCTP TransportProto = "SCTP"
	TransportProtoWS   TransportProto = "WS"
	TransportProtoWSS  TransportProto = "WSS"
)

// IsReliable reports whether the protocol delivers messages reliably.
func (p TransportProto) IsReliable() bool {
	switch util.UCase(p) {
	case TransportProtoTCP, TransportProtoTLS, TransportProtoSCTP, TransportProtoWS, TransportProtoWSS:
		return true
	default:
		return false
	}
}

// DefaultPort is the port used when a Via sent-by has no port.
const DefaultPort = 5060

// Via is a single Via header field value.
type Via struct {
	// Transport is the transport protocol the message was sent over.
	Transport TransportProto
	// SentBy is the "host[:port]" where responses are expected.
	SentBy string
	// Branch is the value of the branch parameter.
	Branch string
	// Received is the value of the received parameter, set by the receiving side
	// when the source address differs from the sent-by host.
	Received string
}

// IsReliable reports whether the Via transport is reliable.
func (v Via) IsReliable() bool { return v.Transport.IsReliable() }

// Host returns the host part of the sent-by.
func (v Via) Host() string {
	host, _ := splitHostPort(v.SentBy)
	return host
}

// ResponseAddr returns the "host:port" responses are sent to (RFC 3261 Section 18.2.2):
// the received address if present, else the sent-by host, with the sent-by port or 5060.
func (v Via) ResponseAddr() string {
	host, port := splitHostPort(v.SentBy)
	if v.Received != "" {
		host = v.Received
	}
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	return net.JoinHostPort(host, port)
}

func splitHostPort(hostport string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return strings.Trim(hostport, "[]"), ""
}

// CSeq is a CSeq header field value.
type CSeq struct {
	SeqNum uint32
	Method RequestMethod
}

// Message is the read contract of a parsed or built SIP message.
type Message interface {
	// Via returns the Via header values, topmost first.
	Via() []Via
	// CSeq returns the CSeq header value.
	CSeq() CSeq
	// Render returns the wire form of the message.
	Render() []byte
}

// Request is a SIP request.
type Request interface {
	Message
	// Method returns the request method.
	Method() RequestMethod
	// RemoteAddr returns the peer address: the destination of an outbound request
	// or the source of an inbound one.
	RemoteAddr() string
}

// Response is a SIP response.
type Response interface {
	Message
	// Status returns the response status code.
	Status() ResponseStatus
}

// AckBuilder is implemented by INVITE requests that can build the ACK
// for a non-2xx final response (RFC 3261 Section 17.1.1.3).
type AckBuilder interface {
	NewAck(res Response) (Request, error)
}

// TopVia returns the topmost Via of the message.
func TopVia(msg Message) (Via, bool) {
	if msg == nil {
		return Via{}, false
	}
	vias := msg.Via()
	if len(vias) == 0 {
		return Via{}, false
	}
	return vias[0], true
}

// IsReliable reports whether the message was sent over a reliable transport,
// judging by the topmost Via.
func IsReliable(msg Message) bool {
	via, ok := TopVia(msg)
	return ok && via.IsReliable()
}

// MagicCookie is a prefix of RFC 3261 compliant branches.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch reports whether the branch starts with [MagicCookie].
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// GenerateBranch returns a new random branch value starting with [MagicCookie].
func GenerateBranch() string {
	return MagicCookie + "." + util.RandString(24)
}
