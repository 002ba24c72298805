package util_test

import (
	"strings"
	"testing"

	"github.com/openvoip/siptx/internal/util"
)

func TestEllipsis(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"", 3, ""},
		{"abc", 3, "abc"},
		{"abcdef", 3, "abc..."},
		{"привет", 2, "пр..."},
	}
	for _, c := range cases {
		if got := util.Ellipsis(c.in, c.max); got != c.want {
			t.Errorf("util.Ellipsis(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
	}
}

func TestRandStringLC(t *testing.T) {
	t.Parallel()

	s := util.RandStringLC(32)
	if len(s) != 32 {
		t.Fatalf("len(util.RandStringLC(32)) = %d, want 32", len(s))
	}
	if s != strings.ToLower(s) {
		t.Fatalf("util.RandStringLC(32) = %q, want lower case", s)
	}
	if util.RandStringLC(32) == s {
		t.Fatalf("util.RandStringLC(32) returned the same value twice")
	}
}

func TestEqFold(t *testing.T) {
	t.Parallel()

	if !util.EqFold("Call-ID", "call-id") {
		t.Error(`util.EqFold("Call-ID", "call-id") = false, want true`)
	}
	if util.EqFold("Via", "v") {
		t.Error(`util.EqFold("Via", "v") = true, want false`)
	}
}
