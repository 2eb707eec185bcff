// Package trace carries the invocation id through contexts so that log
// lines of the server, the bridge and the transports can be correlated.
package trace

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type idKey struct{}

// FieldName is the log field holding the invocation id.
const FieldName = "invocation_id"

// Ensure returns ctx carrying an invocation id, minting one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return context.WithValue(ctx, idKey{}, id), id
}

// ID returns the invocation id carried by ctx, or "".
func ID(ctx context.Context) string {
	id, _ := ctx.Value(idKey{}).(string)
	return id
}

// Field is the zap field for ctx's invocation id.
func Field(ctx context.Context) zap.Field {
	return zap.String(FieldName, ID(ctx))
}
