package message

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/internal/errorutil"
	"github.com/openvoip/siptx/internal/grammar"
	"github.com/openvoip/siptx/internal/util"
	"github.com/openvoip/siptx/sip"
)

// Parse parses a single SIP message from the datagram.
// It returns [*Request] or [*Response] as [sip.Message].
//
// Data that contains only whitespace (RFC 5626 keep-alive) is rejected with [ErrEmptyMessage].
// Mandatory fields Via, CSeq, Call-ID, From and To must be present.
func Parse(data []byte) (sip.Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errtrace.Wrap(ErrEmptyMessage)
	}
	data = bytes.TrimLeft(data, "\r\n")

	head, body, ok := cutHead(data)
	if !ok {
		return nil, errtrace.Wrap(errInvalid("missing header terminator"))
	}

	lines := unfold(strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n"))
	if len(lines) == 0 {
		return nil, errtrace.Wrap(errInvalid("missing start line"))
	}

	var hdr Header
	for _, line := range lines[1:] {
		name, val, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errtrace.Wrap(errInvalid("malformed header line %q", util.Ellipsis(line, 64)))
		}
		hdr.Add(name, val)
	}

	body, err := cutBody(&hdr, body)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	start := lines[0]
	if strings.HasPrefix(start, "SIP/") {
		res, err := parseStatusLine(start)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		res.header = hdr
		res.body = body
		if err := validate(&res.header, ""); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return res, nil
	}

	req, err := parseRequestLine(start)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	req.header = hdr
	req.body = body
	if err := validate(&req.header, req.method); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return req, nil
}

func cutHead(data []byte) (head, body []byte, ok bool) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:], true
	}
	return nil, nil, false
}

// unfold joins continuation lines that start with a space or a tab.
func unfold(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1] += " " + strings.TrimSpace(line)
			continue
		}
		out = append(out, line)
	}
	return out
}

func cutBody(hdr *Header, body []byte) ([]byte, error) {
	v, ok := hdr.Get("Content-Length")
	if !ok {
		return body, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil, errtrace.Wrap(errInvalid("malformed Content-Length %q", v))
	}
	if n > len(body) {
		return nil, errtrace.Wrap(errInvalid("body is shorter than Content-Length %d", n))
	}
	return body[:n], nil
}

func parseRequestLine(line string) (*Request, error) {
	node, err := grammar.ParseRequestLine(strings.TrimRight(line, " \t"))
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, fmt.Errorf("request line %q: %w", util.Ellipsis(line, 64), err)))
	}
	if ver := grammar.MustGetNode(node, "SIP-Version").String(); !util.EqFold(ver, "SIP/2.0") {
		return nil, errtrace.Wrap(errInvalid("unsupported protocol version %q", ver))
	}
	return &Request{
		method: util.UCase(sip.RequestMethod(grammar.MustGetNode(node, "Method").String())),
		uri:    grammar.MustGetNode(node, "Request-URI").String(),
	}, nil
}

func parseStatusLine(line string) (*Response, error) {
	node, err := grammar.ParseStatusLine(strings.TrimRight(line, " \t"))
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, fmt.Errorf("status line %q: %w", util.Ellipsis(line, 64), err)))
	}
	if ver := grammar.MustGetNode(node, "SIP-Version").String(); !util.EqFold(ver, "SIP/2.0") {
		return nil, errtrace.Wrap(errInvalid("unsupported protocol version %q", ver))
	}
	code := grammar.MustGetNode(node, "Status-Code").String()
	n, _ := strconv.ParseUint(code, 10, 16)
	if !sip.ResponseStatus(n).IsValid() {
		return nil, errtrace.Wrap(errInvalid("malformed status code %q", code))
	}
	var reason string
	if rn, ok := node.GetNode("Reason-Phrase"); ok {
		reason = strings.TrimSpace(rn.String())
	}
	return &Response{status: sip.ResponseStatus(n), reason: reason}, nil
}

// validate checks mandatory fields (RFC 3261 Section 8.1.1).
// For requests mtd must match the CSeq method.
func validate(hdr *Header, mtd sip.RequestMethod) error {
	if len(hdr.vias()) == 0 {
		return errtrace.Wrap(errInvalid("missing or malformed Via"))
	}
	v, ok := hdr.Get("CSeq")
	if !ok {
		return errtrace.Wrap(errInvalid("missing CSeq"))
	}
	cseq, err := parseCSeq(v)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if mtd != "" && !util.EqFold(cseq.Method, mtd) {
		return errtrace.Wrap(errInvalid("CSeq method %q does not match request method %q", cseq.Method, mtd))
	}
	for _, name := range []string{"Call-ID", "From", "To"} {
		if !hdr.Has(name) {
			return errtrace.Wrap(errInvalid("missing %s", name))
		}
	}
	return nil
}
