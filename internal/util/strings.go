// Package util holds the string helpers of the message codec.
package util

//go:generate errtrace -w .

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// UCase upper-cases SIP tokens such as methods and transport names.
func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

// EqFold compares header names and parameter keys, which are case-insensitive.
func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool {
	return strings.EqualFold(string(s1), string(s2))
}

// Ellipsis shortens s to maxLen runes for log and error output.
func Ellipsis(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	var n int
	for i := range s {
		if n == maxLen {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

// Rendered messages rarely exceed a single UDP datagram.
var builders = sync.Pool{
	New: func() any {
		sb := new(strings.Builder)
		sb.Grow(1500)
		return sb
	},
}

func GetStringBuilder() *strings.Builder {
	return builders.Get().(*strings.Builder) //nolint:forcetypeassert
}

func FreeStringBuilder(sb *strings.Builder) {
	if sb.Cap() > 64<<10 {
		return
	}
	sb.Reset()
	builders.Put(sb)
}
