// Package grammar implements RFC 3261 rules used by the message parser as ABNF operators.
package grammar

//go:generate errtrace -w .

import (
	"fmt"

	"github.com/ghettovoice/abnf"
)

func init() {
	abnf.EnableNodeCache(10 * 1024)
}

type Error string

func (e Error) Error() string { return string(e) }

func (Error) Grammar() bool { return true }

const ErrNodeNotFound Error = "node not found"

// MustGetNode returns a pointer to the ABNF node with the given key.
func MustGetNode(n *abnf.Node, k string) *abnf.Node {
	sn, ok := n.GetNode(k)
	if !ok {
		panic(fmt.Errorf("get node %q from node %q: %w", k, n.Key, ErrNodeNotFound))
	}
	return sn
}
