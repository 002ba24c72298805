package sip_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openvoip/siptx/sip"
)

type timings struct {
	T1, T2, T4, A, B, D, E, F, G, H, I, J, K time.Duration
}

func timingsOf(c sip.TimingConfig) timings {
	return timings{
		T1: c.T1(), T2: c.T2(), T4: c.T4(),
		A: c.TimeA(), B: c.TimeB(), D: c.TimeD(),
		E: c.TimeE(), F: c.TimeF(), G: c.TimeG(), H: c.TimeH(),
		I: c.TimeI(), J: c.TimeJ(), K: c.TimeK(),
	}
}

func TestTimingConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  sip.TimingConfig
		want timings
	}{
		{
			name: "defaults",
			cfg:  sip.TimingConfig{},
			want: timings{
				T1: 500 * time.Millisecond, T2: 4 * time.Second, T4: 5 * time.Second,
				A: 500 * time.Millisecond, B: 32 * time.Second, D: 32 * time.Second,
				E: 500 * time.Millisecond, F: 32 * time.Second,
				G: 500 * time.Millisecond, H: 32 * time.Second,
				I: 5 * time.Second, J: 32 * time.Second, K: 5 * time.Second,
			},
		},
		{
			name: "custom",
			cfg:  sip.NewTimings(100*time.Millisecond, time.Second, 2*time.Second, 40*time.Second),
			want: timings{
				T1: 100 * time.Millisecond, T2: time.Second, T4: 2 * time.Second,
				A: 100 * time.Millisecond, B: 6400 * time.Millisecond, D: 40 * time.Second,
				E: 100 * time.Millisecond, F: 6400 * time.Millisecond,
				G: 100 * time.Millisecond, H: 6400 * time.Millisecond,
				I: 2 * time.Second, J: 6400 * time.Millisecond, K: 2 * time.Second,
			},
		},
		{
			name: "partial",
			cfg:  sip.NewTimings(0, 0, time.Second, 0),
			want: timings{
				T1: 500 * time.Millisecond, T2: 4 * time.Second, T4: time.Second,
				A: 500 * time.Millisecond, B: 32 * time.Second, D: 32 * time.Second,
				E: 500 * time.Millisecond, F: 32 * time.Second,
				G: 500 * time.Millisecond, H: 32 * time.Second,
				I: time.Second, J: 32 * time.Second, K: time.Second,
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if diff := cmp.Diff(timingsOf(c.cfg), c.want); diff != "" {
				t.Errorf("timings mismatch (-got +want):\n%v", diff)
			}
		})
	}

	if !(sip.TimingConfig{}).IsZero() {
		t.Error("TimingConfig{}.IsZero() = false, want true")
	}
	if sip.NewTimings(time.Second, 0, 0, 0).IsZero() {
		t.Error("NewTimings(1s, 0, 0, 0).IsZero() = true, want false")
	}
}
