// Package types contains generic containers shared by the stack packages.
package types

//go:generate errtrace -w .

// ContextKey is a type of context keys defined by the stack packages.
type ContextKey string
