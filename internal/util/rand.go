package util

import "crypto/rand"

const (
	alnumLC = "0123456789abcdefghijklmnopqrstuvwxyz"
	alnum   = alnumLC + "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// RandString returns n random alphanumeric characters, used for Via branches.
func RandString(n int) string { return randFrom(alnum, n) }

// RandStringLC returns n random lower case letters and digits, used for From tags.
func RandStringLC(n int) string { return randFrom(alnumLC, n) }

func randFrom(alphabet string, n int) string {
	buf := make([]byte, n)
	// crypto/rand.Read never fails since Go 1.24
	rand.Read(buf) //nolint:errcheck
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}
