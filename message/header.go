package message

import (
	"fmt"
	"net/textproto"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/internal/errorutil"
	"github.com/openvoip/siptx/internal/grammar"
	"github.com/openvoip/siptx/internal/util"
	"github.com/openvoip/siptx/sip"
)

// Field is a single header field.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields.
// Field names are stored in the canonical form, see [CanonicalName].
type Header struct {
	fields []Field
}

var compactNames = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"l": "Content-Length",
	"c": "Content-Type",
	"e": "Content-Encoding",
	"k": "Supported",
	"s": "Subject",
}

var canonicalNames = map[string]string{
	"call-id":          "Call-ID",
	"cseq":             "CSeq",
	"www-authenticate": "WWW-Authenticate",
	"mime-version":     "MIME-Version",
}

// CanonicalName returns the canonical form of the header name.
// Compact forms are expanded, e.g. "v" becomes "Via".
func CanonicalName(name string) string {
	name = strings.TrimSpace(name)
	lname := util.LCase(name)
	if n, ok := compactNames[lname]; ok {
		return n
	}
	if n, ok := canonicalNames[lname]; ok {
		return n
	}
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Add appends the field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{CanonicalName(name), strings.TrimSpace(value)})
}

// Set replaces all fields with the name by a single one kept at the position of the first of them.
func (h *Header) Set(name, value string) {
	name = CanonicalName(name)
	value = strings.TrimSpace(value)
	i := slices.IndexFunc(h.fields, func(f Field) bool { return f.Name == name })
	if i < 0 {
		h.fields = append(h.fields, Field{name, value})
		return
	}
	h.fields[i].Value = value
	rest := slices.DeleteFunc(h.fields[i+1:], func(f Field) bool { return f.Name == name })
	h.fields = h.fields[:i+1+len(rest)]
}

// Prepend inserts the field before all others.
func (h *Header) Prepend(name, value string) {
	h.fields = slices.Insert(h.fields, 0, Field{CanonicalName(name), strings.TrimSpace(value)})
}

// Get returns the value of the first field with the name.
func (h *Header) Get(name string) (string, bool) {
	name = CanonicalName(name)
	for _, f := range h.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns values of all fields with the name.
// Comma-separated lists are not split.
func (h *Header) Values(name string) []string {
	name = CanonicalName(name)
	var vals []string
	for _, f := range h.fields {
		if f.Name == name {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Del removes all fields with the name.
func (h *Header) Del(name string) {
	name = CanonicalName(name)
	h.fields = slices.DeleteFunc(h.fields, func(f Field) bool { return f.Name == name })
}

// Has reports whether the field is present.
func (h *Header) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Fields returns a copy of all fields in order.
func (h *Header) Fields() []Field { return slices.Clone(h.fields) }

// Len returns the number of fields.
func (h *Header) Len() int { return len(h.fields) }

// Clone returns a deep copy of the header.
func (h *Header) Clone() Header { return Header{slices.Clone(h.fields)} }

// Via returns parsed Via values, topmost first.
// Invalid values are skipped.
func (h *Header) Via() []sip.Via {
	vals := h.vias()
	vias := make([]sip.Via, 0, len(vals))
	for _, v := range vals {
		vias = append(vias, v.toSIP())
	}
	return vias
}

func (h *Header) vias() []viaValue {
	var vias []viaValue
	for _, line := range h.Values("Via") {
		for _, raw := range splitList(line) {
			v, err := parseVia(raw)
			if err != nil {
				continue
			}
			vias = append(vias, v)
		}
	}
	return vias
}

// setVias replaces all Via fields with one field per value, keeping the position of the first one.
func (h *Header) setVias(vias []viaValue) {
	i := slices.IndexFunc(h.fields, func(f Field) bool { return f.Name == "Via" })
	h.Del("Via")
	if i < 0 {
		i = 0
	}
	fields := make([]Field, 0, len(vias))
	for _, v := range vias {
		fields = append(fields, Field{"Via", v.String()})
	}
	h.fields = slices.Insert(h.fields, min(i, len(h.fields)), fields...)
}

// CSeq returns the parsed CSeq value.
// Zero value is returned if the field is missing or invalid.
func (h *Header) CSeq() sip.CSeq {
	v, ok := h.Get("CSeq")
	if !ok {
		return sip.CSeq{}
	}
	cseq, _ := parseCSeq(v)
	return cseq
}

// CallID returns the Call-ID value.
func (h *Header) CallID() string {
	v, _ := h.Get("Call-ID")
	return v
}

// MaxForwards returns the Max-Forwards value, -1 if it is missing or invalid.
func (h *Header) MaxForwards() int {
	v, ok := h.Get("Max-Forwards")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// FromTag returns the tag parameter of the From field.
func (h *Header) FromTag() string {
	v, _ := h.Get("From")
	return addrParam(v, "tag")
}

// ToTag returns the tag parameter of the To field.
func (h *Header) ToTag() string {
	v, _ := h.Get("To")
	return addrParam(v, "tag")
}

func parseCSeq(s string) (sip.CSeq, error) {
	node, err := grammar.ParseCSeq(strings.TrimSpace(s))
	if err != nil {
		return sip.CSeq{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, fmt.Errorf("CSeq %q: %w", s, err)))
	}
	num := node.Children[0].String()
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return sip.CSeq{}, errtrace.Wrap(errInvalid("CSeq number %q out of range", num))
	}
	return sip.CSeq{
		SeqNum: uint32(n),
		Method: sip.RequestMethod(grammar.MustGetNode(node, "Method").String()),
	}, nil
}

func renderCSeq(c sip.CSeq) string {
	return strconv.FormatUint(uint64(c.SeqNum), 10) + " " + string(c.Method)
}

// splitList splits a comma-separated header value ignoring commas inside quotes and angle brackets.
func splitList(s string) []string {
	var (
		out         []string
		start       int
		quoted      bool
		angle       bool
		escapedNext bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escapedNext:
			escapedNext = false
		case quoted && c == '\\':
			escapedNext = true
		case c == '"':
			quoted = !quoted
		case !quoted && c == '<':
			angle = true
		case !quoted && c == '>':
			angle = false
		case !quoted && !angle && c == ',':
			if v := strings.TrimSpace(s[start:i]); v != "" {
				out = append(out, v)
			}
			start = i + 1
		}
	}
	if v := strings.TrimSpace(s[start:]); v != "" {
		out = append(out, v)
	}
	return out
}

// addrParam returns the header parameter of a name-addr value such as From or To.
func addrParam(v, name string) string {
	if i := strings.LastIndexByte(v, '>'); i >= 0 {
		v = v[i+1:]
	} else if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[i:]
	} else {
		return ""
	}
	for _, p := range parseParams(v) {
		if util.EqFold(p.name, name) {
			return p.value
		}
	}
	return ""
}
