package message

import (
	"log/slog"
	"strconv"

	"github.com/openvoip/siptx/internal/util"
	"github.com/openvoip/siptx/sip"
)

// Response is a SIP response.
// It implements [sip.Response].
type Response struct {
	status sip.ResponseStatus
	reason string
	header Header
	body   []byte
}

var _ sip.Response = (*Response)(nil)

func (r *Response) Status() sip.ResponseStatus { return r.status }

func (r *Response) Reason() string { return r.reason }

// Header returns the response header fields.
func (r *Response) Header() *Header { return &r.header }

func (r *Response) Body() []byte { return r.body }

// SetBody sets the body and its Content-Type.
func (r *Response) SetBody(contentType string, body []byte) {
	r.body = body
	if contentType != "" {
		r.header.Set("Content-Type", contentType)
	}
}

func (r *Response) Via() []sip.Via { return r.header.Via() }

func (r *Response) CSeq() sip.CSeq { return r.header.CSeq() }

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	c := *r
	c.header = r.header.Clone()
	c.body = append([]byte(nil), r.body...)
	return &c
}

// Render returns the wire form of the response.
func (r *Response) Render() []byte {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0 ")
	sb.WriteString(strconv.Itoa(int(r.status)))
	sb.WriteByte(' ')
	sb.WriteString(r.reason)
	sb.WriteString("\r\n")
	renderHeaderBody(sb, &r.header, r.body)
	return []byte(sb.String())
}

func (r *Response) String() string { return string(r.Render()) }

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("status", int(r.status)),
		slog.String("reason", r.reason),
		slog.String("call_id", r.header.CallID()),
	)
}
