// ABOUTME: Operator identity carried through request handlers
// ABOUTME: Provides WithOperator/FromContext for propagating the verified subject via context

package auth

import (
	"context"
)

// Operator is the identity extracted from a verified bearer token.
type Operator struct {
	Subject string
}

type operatorContextKey struct{}

// WithOperator returns a new context with op attached.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, op)
}

// FromContext returns the operator on ctx, or nil.
func FromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(operatorContextKey{}).(*Operator)
	return op
}
