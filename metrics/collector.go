// Package metrics exposes transaction layer statistics to Prometheus.
package metrics

//go:generate errtrace -w .

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openvoip/siptx/sip"
)

// StatsSource is implemented by [sip.TransactionManager].
type StatsSource interface {
	Stats() sip.TransactionStats
}

// Collector is a [prometheus.Collector] that reads the transaction manager counters on every scrape.
type Collector struct {
	src StatsSource

	active    *prometheus.Desc
	total     *prometheus.Desc
	timedOut  *prometheus.Desc
	unmatched *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a new collector.
// Metric names are prefixed with namespace if it is not empty.
func NewCollector(namespace string, src StatsSource) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "sip", n) }
	return &Collector{
		src: src,
		active: prometheus.NewDesc(
			name("transactions"),
			"Number of active transactions.",
			[]string{"type"}, nil,
		),
		total: prometheus.NewDesc(
			name("transactions_total"),
			"Total number of created transactions.",
			[]string{"type"}, nil,
		),
		timedOut: prometheus.NewDesc(
			name("transactions_timed_out_total"),
			"Total number of transactions terminated by timer B, F or H.",
			nil, nil,
		),
		unmatched: prometheus.NewDesc(
			name("unmatched_messages_total"),
			"Total number of inbound messages that matched no transaction.",
			[]string{"kind"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.total
	ch <- c.timedOut
	ch <- c.unmatched
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	for _, m := range []struct {
		typ           sip.TransactionType
		active, total uint64
	}{
		{sip.TransactionTypeClientInvite, s.InviteClientTransactions, s.InviteClientTransactionsTotal},
		{sip.TransactionTypeClientNonInvite, s.NonInviteClientTransactions, s.NonInviteClientTransactionsTotal},
		{sip.TransactionTypeServerInvite, s.InviteServerTransactions, s.InviteServerTransactionsTotal},
		{sip.TransactionTypeServerNonInvite, s.NonInviteServerTransactions, s.NonInviteServerTransactionsTotal},
	} {
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(m.active), string(m.typ))
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(m.total), string(m.typ))
	}
	ch <- prometheus.MustNewConstMetric(c.timedOut, prometheus.CounterValue, float64(s.TimedOutTransactionsTotal))
	ch <- prometheus.MustNewConstMetric(c.unmatched, prometheus.CounterValue, float64(s.UnmatchedResponsesTotal), "response")
	ch <- prometheus.MustNewConstMetric(c.unmatched, prometheus.CounterValue, float64(s.UnmatchedAcksTotal), "ack")
}
