package sip

import (
	"log/slog"
	"time"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
)

// TimingConfig represents SIP timing config.
// It is used to configure SIP timers as described in RFC 3261.
// Zero value uses default base values [T1], [T2], [T4], [TimeD].
// All other timings are calculated based on these base values.
type TimingConfig struct {
	t1, t2, t4,
	timeD time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with specified base values.
// Zero values fall back to the defaults.
func NewTimings(t1, t2, t4, timeD time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD}
}

// IsZero reports whether the config uses only the defaults.
func (c TimingConfig) IsZero() bool { return c == defTimingCfg }

// T1 is the message RTT estimate.
// It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
// It is equal to [T2] if not specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
// It is equal to [T4] if not specified.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// TimeA returns initial INVITE request retransmit interval for unreliable transport.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB returns INVITE client transaction timeout.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait duration for response retransmits via unreliable transport.
// It is equal to [TimeD] if not specified.
func (c TimingConfig) TimeD() time.Duration {
	if c.timeD == 0 {
		return TimeD
	}
	return c.timeD
}

// TimeE returns initial non-INVITE request retransmit interval for unreliable transport.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF returns non-INVITE client transaction timeout.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG returns initial INVITE response retransmit interval.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns timeout for ACK request receipt.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns wait duration for ACK request retransmits via unreliable transport.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ returns wait duration for non-INVITE request retransmits via unreliable transport.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK returns wait duration for non-INVITE response retransmits via unreliable transport.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// nextRetransmit returns the interval following prev: doubled and capped at T2.
func (c TimingConfig) nextRetransmit(prev time.Duration) time.Duration {
	return min(2*prev, c.T2())
}

// LogValue implements [slog.LogValuer].
func (c TimingConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.T1()),
		slog.Duration("t2", c.T2()),
		slog.Duration("t4", c.T4()),
		slog.Duration("time_d", c.TimeD()),
	)
}
