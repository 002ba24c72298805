// Command siptxd is a small SIP user agent server built on the transaction layer.
// It answers inbound requests, optionally pings a peer with OPTIONS and exposes
// transaction statistics to Prometheus.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"braces.dev/errtrace"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/openvoip/siptx/log"
	"github.com/openvoip/siptx/metrics"
	"github.com/openvoip/siptx/sip"
	"github.com/openvoip/siptx/timing"
	"github.com/openvoip/siptx/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFile loads SIPTXD_ENV_FILE or ./.env into the environment, a missing file is not an error.
// Variables already set are not overridden.
func loadEnvFile() error {
	path := os.Getenv("SIPTXD_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errtrace.Wrap(fmt.Errorf("load env file %s: %w", path, err))
	}
	return nil
}

func envVars(name string) cli.ValueSourceChain { return cli.EnvVars("SIPTXD_" + name) }

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "siptxd",
		Usage: "SIP user agent server over the RFC 3261 transaction layer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", Sources: envVars("CONFIG")},
			&cli.StringFlag{Name: "listen", Usage: "UDP listen address", Sources: envVars("LISTEN")},
			&cli.StringFlag{Name: "sent-by", Usage: "Via sent-by of outbound requests", Sources: envVars("SENT_BY")},
			&cli.BoolFlag{Name: "busy", Usage: "reject INVITEs with 486 Busy Here", Sources: envVars("BUSY")},
			&cli.StringFlag{Name: "log-format", Usage: "log format: console or dev", Sources: envVars("LOG_FORMAT")},
			&cli.StringFlag{Name: "log-level", Usage: "log level", Sources: envVars("LOG_LEVEL")},
			&cli.StringFlag{Name: "metrics-listen", Usage: "Prometheus endpoint address", Sources: envVars("METRICS_LISTEN")},
			&cli.StringFlag{Name: "ping", Usage: "host[:port] to ping with OPTIONS", Sources: envVars("PING_TARGET")},
			&cli.DurationFlag{Name: "ping-interval", Usage: "OPTIONS ping interval", Sources: envVars("PING_INTERVAL")},
			&cli.DurationFlag{Name: "t1", Usage: "SIP timer T1", Sources: envVars("T1")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := configFromCommand(cmd)
			if err != nil {
				return errtrace.Wrap(err)
			}
			return errtrace.Wrap(run(ctx, cfg))
		},
	}
}

// configFromCommand loads the config file and applies the flags set on the command line or in the environment.
func configFromCommand(cmd *cli.Command) (*Config, error) {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if cmd.IsSet("listen") {
		cfg.Listen = cmd.String("listen")
	}
	if cmd.IsSet("sent-by") {
		cfg.SentBy = cmd.String("sent-by")
	}
	if cmd.IsSet("busy") {
		cfg.Busy = cmd.Bool("busy")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("metrics-listen") {
		cfg.Metrics.Listen = cmd.String("metrics-listen")
	}
	if cmd.IsSet("ping") {
		cfg.Ping.Target = cmd.String("ping")
	}
	if cmd.IsSet("ping-interval") {
		cfg.Ping.Interval = cmd.Duration("ping-interval")
	}
	if cmd.IsSet("t1") {
		cfg.Timings.T1 = cmd.Duration("t1")
	}

	if err := cfg.validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *Config) error {
	logger := log.New(cfg.Log.Format, cfg.Log.level())
	log.SetDefault(logger)

	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return errtrace.Wrap(err)
	}
	tp, err := transport.NewUDP(conn, &transport.UDPOptions{Log: logger})
	if err != nil {
		conn.Close()
		return errtrace.Wrap(err)
	}
	defer tp.Close()

	txm, err := sip.NewTransactionManager(tp, &sip.TransactionManagerOptions{
		Timings:                 cfg.Timings.timings(),
		StaleTransactionTimeout: cfg.StaleTimeout,
		Log:                     logger,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer txm.Close(context.Background()) //nolint:errcheck

	tp.OnError(txm.ReportError)
	txm.OnError(func(ctx context.Context, err error) {
		attrs := []slog.Attr{slog.Any("error", err)}
		if tx, ok := sip.TransactionFromContext(ctx); ok {
			attrs = append(attrs, slog.Any("transaction", tx))
		}
		logger.LogAttrs(ctx, slog.LevelWarn, "SIP error", attrs...)
	})

	if cfg.Metrics.Listen != "" {
		srv := newMetricsServer(cfg.Metrics, txm)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.LogAttrs(ctx, slog.LevelError, "metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx) //nolint:errcheck
		}()
	}

	sentBy := cfg.SentBy
	if sentBy == "" {
		sentBy = tp.LocalAddr().String()
	}
	if cfg.Ping.Target != "" {
		p := &pinger{txm: txm, target: cfg.Ping.Target, sentBy: sentBy, log: logger}
		go p.run(ctx, timing.RealClock(), cfg.Ping.Interval)
	}

	u := newUAS(txm, cfg.Busy, logger)

	logger.LogAttrs(ctx, slog.LevelInfo,
		"siptxd started",
		slog.Any("listen", tp.LocalAddr()),
		slog.String("sent_by", sentBy),
		slog.Any("timings", cfg.Timings.timings()),
	)

	err = tp.Serve(ctx, u.handleMessage)
	if errors.Is(err, context.Canceled) {
		logger.LogAttrs(context.Background(), slog.LevelInfo, "siptxd stopped")
		return nil
	}
	return errtrace.Wrap(err)
}

func newMetricsServer(cfg MetricsConfig, txm *sip.TransactionManager) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector("siptxd", txm),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
