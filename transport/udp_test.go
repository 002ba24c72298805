package transport_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/openvoip/siptx/internal/testutil/netmock"
	"github.com/openvoip/siptx/message"
	"github.com/openvoip/siptx/sip"
	"github.com/openvoip/siptx/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var localAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}

func newConn(t *testing.T) *netmock.MockPacketConn {
	t.Helper()

	ctrl := gomock.NewController(t)
	conn := netmock.NewMockPacketConn(ctrl)
	conn.EXPECT().LocalAddr().Return(localAddr).AnyTimes()
	return conn
}

func newUDP(t *testing.T, conn *netmock.MockPacketConn, opts *transport.UDPOptions) *transport.UDP {
	t.Helper()

	conn.EXPECT().Close().Return(nil).MaxTimes(1)
	tp, err := transport.NewUDP(conn, opts)
	if err != nil {
		t.Fatalf("transport.NewUDP() error = %v, want nil", err)
	}
	t.Cleanup(func() { tp.Close() }) //nolint:errcheck
	return tp
}

// stubResolver resolves every target to addr once release is closed.
type stubResolver struct {
	addr    netip.AddrPort
	err     error
	called  chan string
	release chan struct{}
}

func newStubResolver(addr string) *stubResolver {
	return &stubResolver{
		addr:    netip.MustParseAddrPort(addr),
		called:  make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (r *stubResolver) ResolveAddr(ctx context.Context, target, _ string) (netip.AddrPort, error) {
	select {
	case r.called <- target:
	default:
	}
	select {
	case <-r.release:
		return r.addr, r.err
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}

type errRecorder struct {
	mu   sync.Mutex
	errs []error
	ctxs []context.Context
	got  chan struct{}
}

func recordErrors(tp *transport.UDP) *errRecorder {
	r := &errRecorder{got: make(chan struct{}, 16)}
	tp.OnError(func(ctx context.Context, err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.ctxs = append(r.ctxs, ctx)
		r.mu.Unlock()
		r.got <- struct{}{}
	})
	return r
}

func (r *errRecorder) wait(tb testing.TB) (context.Context, error) {
	tb.Helper()

	select {
	case <-r.got:
	case <-time.After(5 * time.Second):
		tb.Fatal("no error reported")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxs[len(r.ctxs)-1], r.errs[len(r.errs)-1]
}

func TestNewUDP(t *testing.T) {
	t.Parallel()

	_, got := transport.NewUDP(nil, nil)
	if diff := cmp.Diff(got, sip.ErrInvalidArgument, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("transport.NewUDP(nil, nil) error = %v, want %v\ndiff (-got +want):\n%v", got, sip.ErrInvalidArgument, diff)
	}

	tp := newUDP(t, newConn(t), nil)
	if got := tp.LocalAddr(); got.String() != localAddr.String() {
		t.Errorf("tp.LocalAddr() = %v, want %v", got, localAddr)
	}
}

func TestUDP_Send(t *testing.T) {
	t.Parallel()

	data := []byte("OPTIONS sip:bob@example.com SIP/2.0\r\n\r\n")

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		written := make(chan net.Addr, 1)
		conn := newConn(t)
		conn.EXPECT().
			WriteTo(data, gomock.Any()).
			DoAndReturn(func(b []byte, addr net.Addr) (int, error) {
				written <- addr
				return len(b), nil
			})

		tp := newUDP(t, conn, nil)
		if err := tp.Send(t.Context(), "192.0.2.1:5070", data); err != nil {
			t.Fatalf("tp.Send() error = %v, want nil", err)
		}
		if got := <-written; got.String() != "192.0.2.1:5070" {
			t.Fatalf("datagram written to %v, want 192.0.2.1:5070", got)
		}
	})

	t.Run("default port", func(t *testing.T) {
		t.Parallel()

		written := make(chan net.Addr, 1)
		conn := newConn(t)
		conn.EXPECT().
			WriteTo(data, gomock.Any()).
			DoAndReturn(func(b []byte, addr net.Addr) (int, error) {
				written <- addr
				return len(b), nil
			})

		tp := newUDP(t, conn, nil)
		if err := tp.Send(t.Context(), "192.0.2.1", data); err != nil {
			t.Fatalf("tp.Send() error = %v, want nil", err)
		}
		if got := <-written; got.String() != "192.0.2.1:5060" {
			t.Fatalf("datagram written to %v, want 192.0.2.1:5060", got)
		}
	})

	t.Run("write error", func(t *testing.T) {
		t.Parallel()

		errWrite := errors.New("write failed")
		conn := newConn(t)
		conn.EXPECT().WriteTo(gomock.Any(), gomock.Any()).Return(0, errWrite)

		tp := newUDP(t, conn, nil)
		errs := recordErrors(tp)

		type ctxKey struct{}
		ctx := context.WithValue(t.Context(), ctxKey{}, "sender")
		if err := tp.Send(ctx, "192.0.2.1:5060", data); err != nil {
			t.Fatalf("tp.Send() error = %v, want nil", err)
		}

		gotCtx, got := errs.wait(t)
		if !errors.Is(got, errWrite) || !errors.Is(got, sip.ErrTransportFailure) {
			t.Fatalf("reported error = %v, want %v wrapping %v", got, sip.ErrTransportFailure, errWrite)
		}
		if v := gotCtx.Value(ctxKey{}); v != "sender" {
			t.Fatalf("reported with context value %v, want the sender context", v)
		}
	})

	t.Run("invalid target", func(t *testing.T) {
		t.Parallel()

		tp := newUDP(t, newConn(t), nil)
		errs := recordErrors(tp)
		if err := tp.Send(t.Context(), "192.0.2.1:0", data); err != nil {
			t.Fatalf("tp.Send() error = %v, want nil", err)
		}
		if _, got := errs.wait(t); !errors.Is(got, sip.ErrTransportFailure) {
			t.Fatalf("reported error = %v, want %v", got, sip.ErrTransportFailure)
		}
	})

	t.Run("slow resolver", func(t *testing.T) {
		t.Parallel()

		written := make(chan struct{})
		conn := newConn(t)
		conn.EXPECT().
			WriteTo(data, gomock.Any()).
			DoAndReturn(func(b []byte, _ net.Addr) (int, error) {
				close(written)
				return len(b), nil
			})

		res := newStubResolver("192.0.2.1:5060")
		tp := newUDP(t, conn, &transport.UDPOptions{Resolver: res})

		// returns while the resolution is still pending
		if err := tp.Send(t.Context(), "peer.example.com", data); err != nil {
			t.Fatalf("tp.Send() error = %v, want nil", err)
		}
		if got := <-res.called; got != "peer.example.com" {
			t.Fatalf("resolved %q, want peer.example.com", got)
		}
		select {
		case <-written:
			t.Fatal("datagram written before the target was resolved")
		default:
		}

		close(res.release)
		<-written
	})

	t.Run("queue full", func(t *testing.T) {
		t.Parallel()

		res := newStubResolver("192.0.2.1:5060")
		tp := newUDP(t, newConn(t), &transport.UDPOptions{
			Resolver:      res,
			SendQueueSize: 1,
			SendWorkers:   1,
		})

		if err := tp.Send(t.Context(), "a.example.com", data); err != nil {
			t.Fatalf("tp.Send(a) error = %v, want nil", err)
		}
		<-res.called // the only worker is busy now
		if err := tp.Send(t.Context(), "b.example.com", data); err != nil {
			t.Fatalf("tp.Send(b) error = %v, want nil", err)
		}
		got := tp.Send(t.Context(), "c.example.com", data)
		if diff := cmp.Diff(got, transport.ErrSendQueueFull, cmpopts.EquateErrors()); diff != "" {
			t.Fatalf("tp.Send(c) error = %v, want %v\ndiff (-got +want):\n%v", got, transport.ErrSendQueueFull, diff)
		}
		// Close interrupts the pending resolution, nothing is written
	})

	t.Run("closed", func(t *testing.T) {
		t.Parallel()

		conn := newConn(t)
		conn.EXPECT().Close().Return(nil).Times(1)

		tp, _ := transport.NewUDP(conn, nil)
		if err := tp.Close(); err != nil {
			t.Fatalf("tp.Close() error = %v, want nil", err)
		}
		if err := tp.Close(); err != nil {
			t.Fatalf("second tp.Close() error = %v, want nil", err)
		}
		got := tp.Send(t.Context(), "192.0.2.1:5060", data)
		if diff := cmp.Diff(got, transport.ErrTransportClosed, cmpopts.EquateErrors()); diff != "" {
			t.Fatalf("tp.Send() error = %v, want %v\ndiff (-got +want):\n%v", got, transport.ErrTransportClosed, diff)
		}
	})
}

type packet struct {
	buf  []byte
	addr netip.AddrPort
}

func TestUDP_Serve(t *testing.T) {
	t.Parallel()

	packets := make(chan packet)
	closed := make(chan struct{})

	conn := newConn(t)
	conn.EXPECT().
		ReadFrom(gomock.AssignableToTypeOf([]byte(nil))).
		DoAndReturn(func(b []byte) (int, net.Addr, error) {
			select {
			case p := <-packets:
				return copy(b, p.buf), net.UDPAddrFromAddrPort(p.addr), nil
			case <-closed:
				return 0, nil, net.ErrClosed
			}
		}).
		AnyTimes()
	conn.EXPECT().
		Close().
		DoAndReturn(func() error {
			close(closed)
			return nil
		}).
		Times(1)

	tp, err := transport.NewUDP(conn, nil)
	if err != nil {
		t.Fatalf("transport.NewUDP() error = %v, want nil", err)
	}

	var (
		mu   sync.Mutex
		msgs []sip.Message
		errs []error
	)
	tp.OnError(func(_ context.Context, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		done <- tp.Serve(t.Context(), func(_ context.Context, msg sip.Message) {
			mu.Lock()
			msgs = append(msgs, msg)
			mu.Unlock()
		})
	}()

	src := netip.MustParseAddrPort("203.0.113.5:5062")
	packets <- packet{[]byte("\r\n\r\n"), src}
	packets <- packet{[]byte("garbage"), src}
	packets <- packet{[]byte(
		"OPTIONS sip:alice@127.0.0.1 SIP/2.0\r\n" +
			"Via: SIP/2.0/UDP client.example.com:5062;branch=" + sip.MagicCookie + ".abc\r\n" +
			"From: <sip:bob@example.com>;tag=1\r\n" +
			"To: <sip:alice@127.0.0.1>\r\n" +
			"Call-ID: call-1\r\n" +
			"CSeq: 1 OPTIONS\r\n" +
			"Content-Length: 0\r\n" +
			"\r\n",
	), src}
	packets <- packet{[]byte(
		"SIP/2.0 200 OK\r\n" +
			"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=" + sip.MagicCookie + ".def\r\n" +
			"From: <sip:alice@127.0.0.1>;tag=2\r\n" +
			"To: <sip:bob@example.com>;tag=3\r\n" +
			"Call-ID: call-2\r\n" +
			"CSeq: 7 OPTIONS\r\n" +
			"\r\n",
	), src}

	if err := tp.Close(); err != nil {
		t.Fatalf("tp.Close() error = %v, want nil", err)
	}
	if got := <-done; !errors.Is(got, transport.ErrTransportClosed) {
		t.Fatalf("tp.Serve() error = %v, want %v", got, transport.ErrTransportClosed)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(errs) != 1 {
		t.Errorf("got %d errors, want 1: %v", len(errs), errs)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	req, ok := msgs[0].(*message.Request)
	if !ok {
		t.Fatalf("msgs[0] = %T, want *message.Request", msgs[0])
	}
	if got, want := req.RemoteAddr(), src.String(); got != want {
		t.Errorf("req.RemoteAddr() = %q, want %q", got, want)
	}
	via, _ := sip.TopVia(req)
	if got, want := via.ResponseAddr(), "203.0.113.5:5062"; got != want {
		t.Errorf("via.ResponseAddr() = %q, want %q", got, want)
	}

	res, ok := msgs[1].(*message.Response)
	if !ok {
		t.Fatalf("msgs[1] = %T, want *message.Response", msgs[1])
	}
	if got, want := res.CSeq(), (sip.CSeq{SeqNum: 7, Method: sip.RequestMethodOptions}); got != want {
		t.Errorf("res.CSeq() = %v, want %v", got, want)
	}
}

func TestUDP_Serve_ContextCanceled(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	conn := newConn(t)
	conn.EXPECT().
		ReadFrom(gomock.Any()).
		DoAndReturn(func([]byte) (int, net.Addr, error) {
			<-closed
			return 0, nil, net.ErrClosed
		}).
		AnyTimes()
	conn.EXPECT().
		Close().
		DoAndReturn(func() error {
			close(closed)
			return nil
		}).
		Times(1)

	tp, _ := transport.NewUDP(conn, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- tp.Serve(ctx, func(context.Context, sip.Message) {}) }()
	cancel()

	if got := <-done; !errors.Is(got, context.Canceled) {
		t.Fatalf("tp.Serve() error = %v, want %v", got, context.Canceled)
	}
	_ = tp.Close()
}
