// Package log provides the slog loggers used by the stack.
package log

//go:generate errtrace -w .

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
	slogformatter.FormatByType(func(a *net.UDPAddr) slog.Value {
		return slog.StringValue(a.String())
	}),
)

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})

var defLog atomic.Pointer[slog.Logger]

func init() { defLog.Store(Noop) }

// Default returns the logger used when options carry no logger.
// It is [Noop] until replaced with [SetDefault].
func Default() *slog.Logger { return defLog.Load() }

// SetDefault replaces the logger returned by [Default].
// Nil resets it to [Noop].
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop
	}
	defLog.Store(l)
}

// New creates a logger writing to os.Stdout with the handler selected by format:
// "console" (default) or "dev".
func New(format string, level slog.Level) *slog.Logger {
	switch format {
	case "dev":
		return slog.New(newHandler(
			devslog.NewHandler(os.Stdout, &devslog.Options{
				HandlerOptions: &slog.HandlerOptions{AddSource: true, Level: level},
				SortKeys:       true,
				TimeFormat:     time.RFC3339Nano,
			}),
		))
	default:
		return slog.New(newHandler(
			console.NewHandler(os.Stdout, &console.HandlerOptions{
				AddSource:  true,
				Level:      level,
				TimeFormat: time.RFC3339Nano,
			}),
		))
	}
}
