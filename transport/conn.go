package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"braces.dev/errtrace"

	"github.com/openvoip/siptx/internal/util"
)

type closeOncePacketConn struct {
	net.PacketConn
	closeOnce sync.Once
	closeErr  error
}

func newCloseOncePacketConn(c net.PacketConn) *closeOncePacketConn {
	if c, ok := c.(*closeOncePacketConn); ok {
		return c
	}
	return &closeOncePacketConn{PacketConn: c}
}

func (c *closeOncePacketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.PacketConn.Close()
	})
	return errtrace.Wrap(c.closeErr)
}

// logPacketConn dumps every datagram at debug level.
type logPacketConn struct {
	net.PacketConn
	log *slog.Logger
}

func newLogPacketConn(c net.PacketConn, log *slog.Logger) *logPacketConn {
	if c, ok := c.(*logPacketConn); ok {
		return c
	}
	return &logPacketConn{PacketConn: c, log: log.With("local_addr", c.LocalAddr())}
}

func (c *logPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	if err != nil {
		return n, addr, errtrace.Wrap(err)
	}
	c.logBuf(fmt.Sprintf("packet read %s -> %s", addr, c.LocalAddr()), b[:n])
	return n, addr, nil
}

func (c *logPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.PacketConn.WriteTo(b, addr)
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	c.logBuf(fmt.Sprintf("packet written %s -> %s", c.LocalAddr(), addr), b[:n])
	return n, nil
}

func (c *logPacketConn) logBuf(msg string, b []byte) {
	if !c.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, msg,
		slog.Group("buffer",
			slog.Int("size", len(b)),
			slog.String("data", util.Ellipsis(string(b), 1000)),
		),
	)
}

func (c *logPacketConn) Close() error {
	if err := c.PacketConn.Close(); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection closed with error", slog.Any("error", err))
		return errtrace.Wrap(err)
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection closed")
	return nil
}
