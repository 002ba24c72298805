// Package transport implements SIP transports feeding the transaction layer.
package transport

//go:generate errtrace -w .

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/dns"
	"github.com/openvoip/siptx/internal/errorutil"
	"github.com/openvoip/siptx/internal/types"
	"github.com/openvoip/siptx/log"
	"github.com/openvoip/siptx/message"
	"github.com/openvoip/siptx/sip"
)

const (
	// ErrTransportClosed is returned by a closed transport.
	ErrTransportClosed sip.Error = "transport closed"
	// ErrSendQueueFull is returned by [UDP.Send] when the outbound queue is full.
	ErrSendQueueFull sip.Error = "send queue full"

	defMaxPacketSize = 65535
	defSendQueueSize = 1024
	defSendWorkers   = 4
)

// Resolver resolves SIP targets to socket addresses.
type Resolver interface {
	ResolveAddr(ctx context.Context, target, proto string) (netip.AddrPort, error)
}

// UDPOptions are the options of [NewUDP].
type UDPOptions struct {
	// Resolver resolves destination addresses.
	// If nil, [dns.DefaultResolver] is used.
	Resolver Resolver
	// MaxPacketSize is the size of the read buffer.
	// If zero, 65535 is used.
	MaxPacketSize int
	// SendQueueSize is the capacity of the outbound queue.
	// If zero, 1024 is used.
	SendQueueSize int
	// SendWorkers is the number of goroutines resolving targets and writing datagrams.
	// If zero, 4 is used.
	SendWorkers int
	// Log is the logger.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *UDPOptions) resolver() Resolver {
	if o == nil || o.Resolver == nil {
		return dns.DefaultResolver()
	}
	return o.Resolver
}

func (o *UDPOptions) maxPacketSize() int {
	if o == nil || o.MaxPacketSize <= 0 {
		return defMaxPacketSize
	}
	return o.MaxPacketSize
}

func (o *UDPOptions) sendQueueSize() int {
	if o == nil || o.SendQueueSize <= 0 {
		return defSendQueueSize
	}
	return o.SendQueueSize
}

func (o *UDPOptions) sendWorkers() int {
	if o == nil || o.SendWorkers <= 0 {
		return defSendWorkers
	}
	return o.SendWorkers
}

func (o *UDPOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type sendJob struct {
	ctx  context.Context //nolint:containedctx
	addr string
	data []byte
}

// UDP is an unreliable [sip.Transport] over a packet connection.
//
// Sends are queued and performed by a pool of workers, so target resolution
// never blocks the caller. Failed sends are reported to [UDP.OnError] callbacks
// with the context passed to [UDP.Send].
type UDP struct {
	conn    net.PacketConn
	res     Resolver
	bufSize int
	log     *slog.Logger

	sendq   chan sendJob
	ctx     context.Context //nolint:containedctx
	cancel  context.CancelFunc
	workers sync.WaitGroup

	onErr   types.CallbackManager[sip.ErrorHandler]
	closing atomic.Bool
}

var _ sip.Transport = (*UDP)(nil)

// NewUDP creates a new UDP transport over the connection.
// Options are optional, if nil, default values are used (see [UDPOptions]).
func NewUDP(conn net.PacketConn, opts *UDPOptions) (*UDP, error) {
	if conn == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("invalid connection"))
	}

	tp := &UDP{
		res:     opts.resolver(),
		bufSize: opts.maxPacketSize(),
		sendq:   make(chan sendJob, opts.sendQueueSize()),
	}
	tp.ctx, tp.cancel = context.WithCancel(context.Background())
	tp.log = opts.log().With("transport", "UDP", "local_addr", conn.LocalAddr())
	tp.conn = newCloseOncePacketConn(newLogPacketConn(conn, tp.log))
	for range opts.sendWorkers() {
		tp.workers.Go(tp.sendLoop)
	}
	return tp, nil
}

// LocalAddr returns the local address of the connection.
func (tp *UDP) LocalAddr() net.Addr { return tp.conn.LocalAddr() }

// Send queues the data to be written in a single datagram to addr.
// It returns without waiting for the target resolution or the write,
// their failures are reported to [UDP.OnError] callbacks as [sip.ErrTransportFailure].
func (tp *UDP) Send(ctx context.Context, addr string, data []byte) error {
	if tp.closing.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}

	select {
	case tp.sendq <- sendJob{ctx, addr, data}:
		return nil
	case <-tp.ctx.Done():
		return errtrace.Wrap(ErrTransportClosed)
	default:
		return errtrace.Wrap(ErrSendQueueFull)
	}
}

func (tp *UDP) sendLoop() {
	for {
		select {
		case <-tp.ctx.Done():
			return
		case job := <-tp.sendq:
			if err := tp.write(job); err != nil {
				tp.reportErr(job.ctx, errorutil.NewWrapperError(sip.ErrTransportFailure, err))
			}
		}
	}
}

func (tp *UDP) write(job sendJob) error {
	ctx, cancel := context.WithCancel(job.ctx)
	defer cancel()
	stop := context.AfterFunc(tp.ctx, cancel)
	defer stop()

	raddr, err := tp.res.ResolveAddr(ctx, job.addr, "udp")
	if err != nil {
		return errtrace.Wrap(fmt.Errorf("resolve %q: %w", job.addr, err))
	}
	if _, err := tp.conn.WriteTo(job.data, net.UDPAddrFromAddrPort(raddr)); err != nil {
		return errtrace.Wrap(fmt.Errorf("write to %s: %w", raddr, err))
	}
	return nil
}

// Serve reads datagrams until the context is canceled or the transport is closed,
// and passes every parsed message to the handler.
//
// Keep-alive datagrams are skipped. Malformed datagrams are reported to
// [UDP.OnError] callbacks and skipped.
// Inbound requests are stamped with the source address, see [message.Request.SetReceived].
// Serve always returns a non-nil error, [ErrTransportClosed] after [UDP.Close].
func (tp *UDP) Serve(ctx context.Context, handler sip.MessageHandler) error {
	if handler == nil {
		return errtrace.Wrap(sip.NewInvalidArgumentError("invalid handler"))
	}

	stop := context.AfterFunc(ctx, func() { tp.conn.Close() })
	defer stop()

	tp.log.LogAttrs(ctx, slog.LevelDebug, "begin serving the connection")
	defer tp.log.LogAttrs(ctx, slog.LevelDebug, "serving the connection finished")

	buf := make([]byte, tp.bufSize)
	for {
		n, addr, err := tp.conn.ReadFrom(buf)
		if err != nil {
			switch {
			case tp.closing.Load():
				return errtrace.Wrap(ErrTransportClosed)
			case ctx.Err() != nil:
				return errtrace.Wrap(ctx.Err())
			case errorutil.IsTimeoutErr(err):
				continue
			default:
				return errtrace.Wrap(err)
			}
		}

		data := buf[:n]
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		msg, err := message.Parse(bytes.Clone(data))
		if err != nil {
			tp.reportErr(ctx, fmt.Errorf("discard datagram from %s: %w", addr, err))
			continue
		}
		if req, ok := msg.(*message.Request); ok {
			if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
				req.SetReceived(ap.Addr().Unmap().String())
			}
			req.SetRemoteAddr(addr.String())
		}
		handler(ctx, msg)
	}
}

// OnError registers a callback to be called with errors of the inbound traffic
// and with failures of queued sends.
func (tp *UDP) OnError(fn sip.ErrorHandler) (cancel func()) {
	return tp.onErr.Add(fn)
}

func (tp *UDP) reportErr(ctx context.Context, err error) {
	tp.log.LogAttrs(ctx, slog.LevelDebug, "transport error", slog.Any("error", err))
	for fn := range tp.onErr.All() {
		fn(ctx, err)
	}
}

// Close closes the connection, stops [UDP.Serve] and the send workers.
// Queued datagrams not written yet are dropped.
// It is safe to call Close more than once.
func (tp *UDP) Close() error {
	tp.closing.Store(true)
	tp.cancel()
	tp.workers.Wait()
	if err := tp.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errtrace.Wrap(err)
	}
	return nil
}
