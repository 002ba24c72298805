package message

import (
	"fmt"
	"strings"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/internal/errorutil"
	"github.com/openvoip/siptx/internal/grammar"
	"github.com/openvoip/siptx/internal/util"
	"github.com/openvoip/siptx/sip"
)

type param struct {
	name     string
	value    string
	hasValue bool
}

// parseParams parses ";name=value;flag" parameters.
func parseParams(s string) []param {
	var params []param
	for _, raw := range strings.Split(s, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, val, ok := strings.Cut(raw, "=")
		params = append(params, param{
			name:     strings.TrimSpace(name),
			value:    strings.Trim(strings.TrimSpace(val), `"`),
			hasValue: ok,
		})
	}
	return params
}

func renderParams(sb *strings.Builder, params []param) {
	for _, p := range params {
		sb.WriteByte(';')
		sb.WriteString(p.name)
		if p.hasValue {
			sb.WriteByte('=')
			sb.WriteString(p.value)
		}
	}
}

// viaValue is a single Via value: "SIP/2.0/UDP host:port;branch=...".
type viaValue struct {
	proto  string
	sentBy string
	params []param
}

func parseVia(s string) (viaValue, error) {
	node, err := grammar.ParseViaParm(strings.TrimSpace(s))
	if err != nil {
		return viaValue{}, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, fmt.Errorf("Via %q: %w", s, err)))
	}

	proto := grammar.MustGetNode(node, "sent-protocol")
	if name := proto.Children[0].String(); !util.EqFold(name, "SIP") {
		return viaValue{}, errtrace.Wrap(errInvalid("unsupported Via protocol %q", name))
	}

	var params []param
	for _, n := range node.GetNodes("via-params") {
		gp := grammar.MustGetNode(n, "generic-param")
		p := param{name: gp.Children[0].String()}
		if vn, ok := gp.GetNode("gen-value"); ok {
			p.value = strings.Trim(vn.String(), `"`)
			p.hasValue = true
		}
		params = append(params, p)
	}

	return viaValue{
		proto:  util.UCase(proto.Children[0].String() + "/" + proto.Children[2].String() + "/" + proto.Children[4].String()),
		sentBy: strings.Join(strings.Fields(grammar.MustGetNode(node, "sent-by").String()), ""),
		params: params,
	}, nil
}

func (v viaValue) transport() sip.TransportProto {
	return sip.TransportProto(v.proto[strings.LastIndexByte(v.proto, '/')+1:])
}

func (v viaValue) param(name string) (string, bool) {
	for _, p := range v.params {
		if util.EqFold(p.name, name) {
			return p.value, true
		}
	}
	return "", false
}

func (v *viaValue) setParam(name, value string) {
	for i, p := range v.params {
		if util.EqFold(p.name, name) {
			v.params[i].value = value
			v.params[i].hasValue = true
			return
		}
	}
	v.params = append(v.params, param{name: name, value: value, hasValue: true})
}

func (v viaValue) toSIP() sip.Via {
	branch, _ := v.param("branch")
	received, _ := v.param("received")
	return sip.Via{
		Transport: v.transport(),
		SentBy:    v.sentBy,
		Branch:    branch,
		Received:  received,
	}
}

func (v viaValue) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(v.proto)
	sb.WriteByte(' ')
	sb.WriteString(v.sentBy)
	renderParams(sb, v.params)
	return sb.String()
}

func newVia(tp sip.TransportProto, sentBy, branch string) viaValue {
	return viaValue{
		proto:  "SIP/2.0/" + string(util.UCase(tp)),
		sentBy: sentBy,
		params: []param{{name: "branch", value: branch, hasValue: true}},
	}
}
