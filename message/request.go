package message

import (
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/openvoip/siptx/internal/util"
	"github.com/openvoip/siptx/sip"
)

// Request is a SIP request.
// It implements [sip.Request] and [sip.AckBuilder].
type Request struct {
	method sip.RequestMethod
	uri    string
	header Header
	body   []byte
	remote string
}

var (
	_ sip.Request    = (*Request)(nil)
	_ sip.AckBuilder = (*Request)(nil)
)

// RequestOptions are the options of [NewRequest].
type RequestOptions struct {
	// Transport is the transport written to the Via.
	// If empty, UDP is used.
	Transport sip.TransportProto
	// SentBy is the "host[:port]" written to the Via.
	// If empty, "localhost" is used.
	SentBy string
	// Branch is the Via branch.
	// If empty, a new branch is generated with [sip.GenerateBranch].
	Branch string
	// From is the From field value without the tag.
	// If empty, "<sip:anonymous@anonymous.invalid>" is used.
	From string
	// To is the To field value.
	// If empty, the request URI in angle brackets is used.
	To string
	// CallID is the Call-ID value.
	// If empty, a random UUID is used.
	CallID string
	// CSeq is the CSeq number.
	// If zero, 1 is used.
	CSeq uint32
	// Remote is the destination address, see [Request.RemoteAddr].
	Remote string
	// ContentType is the Content-Type of the body.
	ContentType string
	// Body is the message body.
	Body []byte
}

// NewRequest builds a new outbound request with all mandatory fields filled.
func NewRequest(method sip.RequestMethod, uri string, opts *RequestOptions) (*Request, error) {
	if !method.IsValid() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("invalid method %q", method))
	}
	if uri == "" {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("empty request URI"))
	}
	if opts == nil {
		opts = &RequestOptions{}
	}

	tp := opts.Transport
	if tp == "" {
		tp = sip.TransportProtoUDP
	}
	sentBy := opts.SentBy
	if sentBy == "" {
		sentBy = "localhost"
	}
	branch := opts.Branch
	if branch == "" {
		branch = sip.GenerateBranch()
	}
	from := opts.From
	if from == "" {
		from = "<sip:anonymous@anonymous.invalid>"
	}
	to := opts.To
	if to == "" {
		to = "<" + uri + ">"
	}
	callID := opts.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	cseq := opts.CSeq
	if cseq == 0 {
		cseq = 1
	}

	req := &Request{
		method: util.UCase(method),
		uri:    uri,
		remote: opts.Remote,
		body:   opts.Body,
	}
	req.header.Add("Via", newVia(tp, sentBy, branch).String())
	req.header.Add("Max-Forwards", "70")
	req.header.Add("From", from+";tag="+util.RandStringLC(10))
	req.header.Add("To", to)
	req.header.Add("Call-ID", callID)
	req.header.Add("CSeq", renderCSeq(sip.CSeq{SeqNum: cseq, Method: req.method}))
	if opts.ContentType != "" {
		req.header.Add("Content-Type", opts.ContentType)
	}
	return req, nil
}

func (r *Request) Method() sip.RequestMethod { return r.method }

func (r *Request) RequestURI() string { return r.uri }

// Header returns the request header fields.
func (r *Request) Header() *Header { return &r.header }

func (r *Request) Body() []byte { return r.body }

func (r *Request) Via() []sip.Via { return r.header.Via() }

func (r *Request) CSeq() sip.CSeq { return r.header.CSeq() }

// RemoteAddr returns the destination of the outbound request or the source of the inbound one.
func (r *Request) RemoteAddr() string { return r.remote }

// SetRemoteAddr sets the destination or source address of the request.
func (r *Request) SetRemoteAddr(addr string) { r.remote = addr }

// SetReceived stamps the topmost Via with the received parameter (RFC 3261 Section 18.2.1)
// if the host differs from the Via sent-by host.
func (r *Request) SetReceived(host string) {
	vias := r.header.vias()
	if len(vias) == 0 || host == "" {
		return
	}
	if vias[0].toSIP().Host() == host {
		return
	}
	vias[0].setParam("received", host)
	r.header.setVias(vias)
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	c.header = r.header.Clone()
	c.body = append([]byte(nil), r.body...)
	return &c
}

// NewResponse builds a response to the request (RFC 3261 Section 8.2.6).
// The To tag is generated for all responses except 100 Trying if the request has none.
// If reason is empty, the default reason phrase is used.
func (r *Request) NewResponse(sts sip.ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = sts.Reason()
	}
	res := &Response{status: sts, reason: reason}
	for _, v := range r.header.Values("Via") {
		res.header.Add("Via", v)
	}
	from, _ := r.header.Get("From")
	res.header.Add("From", from)
	to, _ := r.header.Get("To")
	if sts != sip.ResponseStatusTrying && addrParam(to, "tag") == "" {
		to += ";tag=" + util.RandStringLC(10)
	}
	res.header.Add("To", to)
	res.header.Add("Call-ID", r.header.CallID())
	cseq, _ := r.header.Get("CSeq")
	res.header.Add("CSeq", cseq)
	return res
}

// NewAck builds the ACK for a non-2xx final response (RFC 3261 Section 17.1.1.3).
// The ACK carries the topmost Via of the request, its Request-URI, Call-ID, From and Route,
// the To of the response and the CSeq number of the request.
func (r *Request) NewAck(res sip.Response) (sip.Request, error) {
	if r.method != sip.RequestMethodInvite {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("ACK can be built only for INVITE"))
	}
	if res == nil || !res.Status().IsFinal() || res.Status().IsSuccessful() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("ACK can be built only for non-2xx final response"))
	}

	ack := &Request{
		method: sip.RequestMethodAck,
		uri:    r.uri,
		remote: r.remote,
	}
	if vias := r.header.vias(); len(vias) > 0 {
		ack.header.Add("Via", vias[0].String())
	}
	ack.header.Add("Max-Forwards", "70")
	from, _ := r.header.Get("From")
	ack.header.Add("From", from)
	to, _ := r.header.Get("To")
	if msg, ok := res.(*Response); ok {
		if v, ok := msg.header.Get("To"); ok {
			to = v
		}
	}
	ack.header.Add("To", to)
	ack.header.Add("Call-ID", r.header.CallID())
	ack.header.Add("CSeq", renderCSeq(sip.CSeq{SeqNum: r.CSeq().SeqNum, Method: sip.RequestMethodAck}))
	for _, v := range r.header.Values("Route") {
		ack.header.Add("Route", v)
	}
	return ack, nil
}

// Render returns the wire form of the request.
func (r *Request) Render() []byte {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(string(r.method))
	sb.WriteByte(' ')
	sb.WriteString(r.uri)
	sb.WriteString(" SIP/2.0\r\n")
	renderHeaderBody(sb, &r.header, r.body)
	return []byte(sb.String())
}

func (r *Request) String() string { return string(r.Render()) }

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", string(r.method)),
		slog.String("uri", r.uri),
		slog.String("call_id", r.header.CallID()),
		slog.String("remote", r.remote),
	)
}

func renderHeaderBody(sb *strings.Builder, h *Header, body []byte) {
	for _, f := range h.fields {
		if f.Name == "Content-Length" {
			continue
		}
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(body)))
	sb.WriteString("\r\n\r\n")
	sb.Write(body)
}
