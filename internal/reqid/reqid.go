// Package reqid carries the query id in a context.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the query ID.
type key struct{}

// NewContext returns a copy of parent with a new random query ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// WithID stores id in a copy of parent. An id that is not a UUID is
// replaced by a fresh one.
func WithID(parent context.Context, id string) (context.Context, string) {
	u, err := uuid.Parse(id)
	if err != nil {
		return NewContext(parent)
	}
	s := u.String()
	return context.WithValue(parent, key{}, s), s
}

// FromContext extracts the query ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}

// Ensure returns ctx unchanged when it carries a query ID and a copy with a
// new one otherwise.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	return NewContext(ctx)
}
