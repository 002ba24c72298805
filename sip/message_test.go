package sip_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/openvoip/siptx/sip"
)

func TestVia_ResponseAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		via  sip.Via
		want string
	}{
		{sip.Via{SentBy: "client.example.com:5070"}, "client.example.com:5070"},
		{sip.Via{SentBy: "client.example.com"}, "client.example.com:5060"},
		{sip.Via{SentBy: "client.example.com:5070", Received: "198.51.100.7"}, "198.51.100.7:5070"},
		{sip.Via{SentBy: "[2001:db8::1]:5062"}, "[2001:db8::1]:5062"},
		{sip.Via{SentBy: "[2001:db8::1]"}, "[2001:db8::1]:5060"},
	}
	for _, c := range cases {
		if got := c.via.ResponseAddr(); got != c.want {
			t.Errorf("%+v.ResponseAddr() = %q, want %q", c.via, got, c.want)
		}
	}
}

func TestTransportProto_IsReliable(t *testing.T) {
	t.Parallel()

	cases := map[sip.TransportProto]bool{
		sip.TransportProtoUDP: false,
		"udp":                 false,
		sip.TransportProtoTCP: true,
		"tls":                 true,
		sip.TransportProtoWSS: true,
	}
	for p, want := range cases {
		if got := p.IsReliable(); got != want {
			t.Errorf("TransportProto(%q).IsReliable() = %v, want %v", p, got, want)
		}
	}
}

func TestResponseStatus(t *testing.T) {
	t.Parallel()

	if got, want := sip.ResponseStatusBusyHere.String(), "486 Busy Here"; got != want {
		t.Errorf("ResponseStatusBusyHere.String() = %q, want %q", got, want)
	}
	if got, want := sip.ResponseStatus(499).String(), "499"; got != want {
		t.Errorf("ResponseStatus(499).String() = %q, want %q", got, want)
	}
	for sts, want := range map[sip.ResponseStatus][3]bool{
		100: {true, false, false},
		199: {true, false, false},
		200: {false, true, true},
		302: {false, false, true},
		699: {false, false, true},
	} {
		got := [3]bool{sts.IsProvisional(), sts.IsSuccessful(), sts.IsFinal()}
		if got != want {
			t.Errorf("ResponseStatus(%d) provisional/successful/final = %v, want %v", sts, got, want)
		}
	}
	if sip.ResponseStatus(700).IsValid() {
		t.Error("ResponseStatus(700).IsValid() = true, want false")
	}
}

func TestGenerateBranch(t *testing.T) {
	t.Parallel()

	a, b := sip.GenerateBranch(), sip.GenerateBranch()
	if !sip.IsRFC3261Branch(a) || !strings.HasPrefix(a, sip.MagicCookie) {
		t.Errorf("sip.GenerateBranch() = %q, want %q prefix", a, sip.MagicCookie)
	}
	if a == b {
		t.Errorf("sip.GenerateBranch() returned %q twice", a)
	}
	if sip.IsRFC3261Branch("1234") {
		t.Error(`sip.IsRFC3261Branch("1234") = true, want false`)
	}
}

func TestTransactionKeys(t *testing.T) {
	t.Parallel()

	inv := newRequest(t, sip.RequestMethodInvite, sip.TransportProtoUDP, "keys")
	res := inv.NewResponse(sip.ResponseStatusBusyHere, "")
	ack := newAck(t, inv, res)

	clnKey, err := sip.ClientTransactionKeyFromMessage(inv)
	if err != nil {
		t.Fatalf("sip.ClientTransactionKeyFromMessage(INVITE) error = %v, want nil", err)
	}
	resKey, err := sip.ClientTransactionKeyFromMessage(res)
	if err != nil {
		t.Fatalf("sip.ClientTransactionKeyFromMessage(486) error = %v, want nil", err)
	}
	if clnKey != resKey {
		t.Errorf("response key = %v, want %v", resKey, clnKey)
	}
	if got, want := clnKey.String(), sip.MagicCookie+".keys|INVITE"; got != want {
		t.Errorf("clnKey.String() = %q, want %q", got, want)
	}

	srvKey, err := sip.ServerTransactionKeyFromMessage(inv)
	if err != nil {
		t.Fatalf("sip.ServerTransactionKeyFromMessage(INVITE) error = %v, want nil", err)
	}
	ackKey, err := sip.ServerTransactionKeyFromMessage(ack)
	if err != nil {
		t.Fatalf("sip.ServerTransactionKeyFromMessage(ACK) error = %v, want nil", err)
	}
	if srvKey != ackKey {
		t.Errorf("ACK key = %v, want %v", ackKey, srvKey)
	}

	// same branch from another sender is another transaction
	other := newRequest(t, sip.RequestMethodInvite, sip.TransportProtoUDP, "keys")
	other.Header().Set("Via", "SIP/2.0/UDP other.example.com:5060;branch="+sip.MagicCookie+".keys")
	otherKey, err := sip.ServerTransactionKeyFromMessage(other)
	if err != nil {
		t.Fatalf("sip.ServerTransactionKeyFromMessage(other) error = %v, want nil", err)
	}
	if otherKey == srvKey {
		t.Errorf("keys of different senders are equal: %v", otherKey)
	}

	noBranch := newRequest(t, sip.RequestMethodOptions, sip.TransportProtoUDP, "x")
	noBranch.Header().Set("Via", "SIP/2.0/UDP client.example.com")
	_, err = sip.ServerTransactionKeyFromMessage(noBranch)
	if diff := cmp.Diff(err, sip.ErrInvalidArgument, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("sip.ServerTransactionKeyFromMessage(no branch) error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrInvalidArgument, diff)
	}
	noBranch.Header().Del("Via")
	_, err = sip.ClientTransactionKeyFromMessage(noBranch)
	if diff := cmp.Diff(err, sip.ErrInvalidArgument, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("sip.ClientTransactionKeyFromMessage(no Via) error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrInvalidArgument, diff)
	}
}
