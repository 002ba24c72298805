package sip_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/openvoip/siptx/message"
	"github.com/openvoip/siptx/sip"
	"github.com/openvoip/siptx/timing"
)

func newNonInviteClient(
	t *testing.T,
	proto sip.TransportProto,
) (*sip.NonInviteClientTransaction, *message.Request, *recTransport, *timing.MockClock, *txRecorder) {
	t.Helper()

	clock := timing.NewMockClock(epoch)
	tp := newRecTransport(clock)
	req := newRequest(t, sip.RequestMethodRegister, proto, "nict")
	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, clnOpts(clock))
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	return tx, req, tp, clock, record(tx)
}

func TestNewClientTransaction(t *testing.T) {
	t.Parallel()

	clock := timing.NewMockClock(epoch)
	tp := newRecTransport(clock)

	tx, err := sip.NewClientTransaction(t.Context(), newRequest(t, sip.RequestMethodInvite, sip.TransportProtoUDP, "a"), tp, clnOpts(clock))
	if err != nil {
		t.Fatalf("sip.NewClientTransaction(INVITE) error = %v, want nil", err)
	}
	if got, want := tx.Type(), sip.TransactionTypeClientInvite; got != want {
		t.Errorf("tx.Type() = %q, want %q", got, want)
	}

	tx, err = sip.NewClientTransaction(t.Context(), newRequest(t, sip.RequestMethodBye, sip.TransportProtoUDP, "b"), tp, clnOpts(clock))
	if err != nil {
		t.Fatalf("sip.NewClientTransaction(BYE) error = %v, want nil", err)
	}
	if got, want := tx.Type(), sip.TransactionTypeClientNonInvite; got != want {
		t.Errorf("tx.Type() = %q, want %q", got, want)
	}
	assertKinds(t, tp, "INVITE", "BYE")

	_, err = sip.NewClientTransaction(t.Context(), newRequest(t, sip.RequestMethodAck, sip.TransportProtoUDP, "c"), tp, clnOpts(clock))
	if diff := cmp.Diff(err, sip.ErrMethodNotAllowed, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("sip.NewClientTransaction(ACK) error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrMethodNotAllowed, diff)
	}
}

func TestNonInviteClientTransaction_TimerE(t *testing.T) {
	t.Parallel()

	tx, _, tp, clock, rec := newNonInviteClient(t, sip.TransportProtoUDP)
	assertState(t, tx, sip.TransactionStateTrying)

	clock.Elapse(16 * time.Second)

	sent := tp.take()
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second,
		4 * time.Second, 4 * time.Second, 4 * time.Second,
	}
	if diff := cmp.Diff(intervals(sent), want); diff != "" {
		t.Errorf("retransmit intervals mismatch (-got +want):\n%v", diff)
	}
	assertState(t, tx, sip.TransactionStateTrying)
	rec.assertStates(t)
}

func TestNonInviteClientTransaction_TimerF(t *testing.T) {
	t.Parallel()

	tx, req, tp, clock, rec := newNonInviteClient(t, sip.TransportProtoUDP)

	if err := tx.RecvResponse(t.Context(), req.NewResponse(sip.ResponseStatusTrying, "")); err != nil {
		t.Fatalf("tx.RecvResponse(100) error = %v, want nil", err)
	}
	clock.Elapse(64 * sip.T1)

	assertState(t, tx, sip.TransactionStateTerminated)
	rec.assertStates(t, sip.TransactionStateProceeding, sip.TransactionStateTerminated)
	rec.assertResponses(t, sip.ResponseStatusTrying)
	rec.assertTerminated(t, sip.TerminationReasonAckTimeout)
	rec.assertErrors(t, sip.ErrTransactionTimedOut)
	if n := clock.Pending(); n != 0 {
		t.Errorf("clock.Pending() = %d, want 0", n)
	}
	tp.take()
}

func TestNonInviteClientTransaction_Proceeding(t *testing.T) {
	t.Parallel()

	tx, req, tp, clock, rec := newNonInviteClient(t, sip.TransportProtoUDP)
	tp.take()

	if err := tx.RecvResponse(t.Context(), req.NewResponse(sip.ResponseStatusTrying, "")); err != nil {
		t.Fatalf("tx.RecvResponse(100) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateProceeding)

	// the pending timer E fires, then retransmissions go every T2
	clock.Elapse(500 * time.Millisecond)
	assertKinds(t, tp, "REGISTER")
	clock.Elapse(sip.T2 - time.Millisecond)
	assertKinds(t, tp)
	clock.Elapse(time.Millisecond)
	assertKinds(t, tp, "REGISTER")
	clock.Elapse(sip.T2)
	assertKinds(t, tp, "REGISTER")

	if err := tx.RecvResponse(t.Context(), req.NewResponse(sip.ResponseStatusTrying, "")); err != nil {
		t.Fatalf("tx.RecvResponse(100) error = %v, want nil", err)
	}
	res := req.NewResponse(sip.ResponseStatusOK, "")
	if err := tx.RecvResponse(t.Context(), res); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateCompleted)

	// retransmissions are absorbed
	if err := tx.RecvResponse(t.Context(), res); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v, want nil", err)
	}
	clock.Elapse(sip.T4)
	assertKinds(t, tp)

	assertState(t, tx, sip.TransactionStateTerminated)
	rec.assertStates(t, sip.TransactionStateProceeding, sip.TransactionStateCompleted, sip.TransactionStateTerminated)
	rec.assertResponses(t, sip.ResponseStatusTrying, sip.ResponseStatusTrying, sip.ResponseStatusOK)
	rec.assertTerminated(t, sip.TerminationReasonNormal)
	rec.assertErrors(t)
}

func TestNonInviteClientTransaction_Completed(t *testing.T) {
	t.Parallel()

	tx, req, _, clock, rec := newNonInviteClient(t, sip.TransportProtoUDP)

	if err := tx.RecvResponse(t.Context(), req.NewResponse(sip.ResponseStatusForbidden, "")); err != nil {
		t.Fatalf("tx.RecvResponse(403) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateCompleted)
	if got := tx.LastResponse(); got == nil || got.Status() != sip.ResponseStatusForbidden {
		t.Errorf("tx.LastResponse() = %v, want 403", got)
	}

	clock.Elapse(sip.T4 - time.Millisecond)
	assertState(t, tx, sip.TransactionStateCompleted)
	clock.Elapse(time.Millisecond)
	assertState(t, tx, sip.TransactionStateTerminated)

	rec.assertStates(t, sip.TransactionStateCompleted, sip.TransactionStateTerminated)
	rec.assertResponses(t, sip.ResponseStatusForbidden)
	rec.assertTerminated(t, sip.TerminationReasonNormal)
}

func TestNonInviteClientTransaction_Reliable(t *testing.T) {
	t.Parallel()

	tx, req, tp, clock, rec := newNonInviteClient(t, sip.TransportProtoTCP)

	clock.Elapse(10 * time.Second)
	assertKinds(t, tp, "REGISTER")

	if err := tx.RecvResponse(t.Context(), req.NewResponse(sip.ResponseStatusOK, "")); err != nil {
		t.Fatalf("tx.RecvResponse(200) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateTerminated)
	rec.assertStates(t, sip.TransactionStateCompleted, sip.TransactionStateTerminated)
	rec.assertResponses(t, sip.ResponseStatusOK)
	rec.assertTerminated(t, sip.TerminationReasonNormal)
	if n := clock.Pending(); n != 0 {
		t.Errorf("clock.Pending() = %d, want 0", n)
	}
}

func TestNonInviteClientTransaction_CustomTimings(t *testing.T) {
	t.Parallel()

	clock := timing.NewMockClock(epoch)
	tp := newRecTransport(clock)
	req := newRequest(t, sip.RequestMethodOptions, sip.TransportProtoUDP, "timings")
	opts := clnOpts(clock)
	opts.Timings = sip.NewTimings(100*time.Millisecond, 400*time.Millisecond, time.Second, 0)

	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, opts)
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	rec := record(tx)

	clock.Elapse(6400 * time.Millisecond)

	sent := tp.take()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	if got := intervals(sent); len(got) < len(want) || !cmp.Equal(got[:len(want)], want) {
		t.Errorf("retransmit intervals = %v, want prefix %v", got, want)
	}
	assertState(t, tx, sip.TransactionStateTerminated)
	rec.assertTerminated(t, sip.TerminationReasonAckTimeout)
}

// gateTransport passes the first message and holds every later one until opened.
type gateTransport struct {
	sent    atomic.Int32
	entered chan struct{}
	open    chan struct{}
}

func (tp *gateTransport) Send(context.Context, string, []byte) error {
	if tp.sent.Add(1) == 1 {
		return nil
	}
	select {
	case tp.entered <- struct{}{}:
	default:
	}
	<-tp.open
	return nil
}

func TestNonInviteClientTransaction_SlowTransport(t *testing.T) {
	t.Parallel()

	clock := timing.NewMockClock(epoch)
	tp := &gateTransport{entered: make(chan struct{}, 1), open: make(chan struct{})}
	release := sync.OnceFunc(func() { close(tp.open) })
	t.Cleanup(release)

	req := newRequest(t, sip.RequestMethodOptions, sip.TransportProtoUDP, "slow-tp")
	tx, err := sip.NewNonInviteClientTransaction(t.Context(), req, tp, clnOpts(clock))
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	rec := record(tx)

	elapsed := make(chan struct{})
	go func() {
		clock.Elapse(sip.T1)
		close(elapsed)
	}()
	<-tp.entered

	// the timer E retransmission is stuck in the transport
	done := make(chan error, 1)
	go func() { done <- tx.RecvResponse(t.Context(), req.NewResponse(sip.ResponseStatusOK, "")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tx.RecvResponse(200) error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tx.RecvResponse(200) blocked by the transport")
	}
	assertState(t, tx, sip.TransactionStateCompleted)

	release()
	<-elapsed
	rec.assertResponses(t, sip.ResponseStatusOK)
}
