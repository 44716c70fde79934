// Package callcontext carries the identity of the calling node through the
// context of an inbound node-to-node call.
package callcontext

import (
	"context"
)

type contextKey int

const (
	senderIDKey contextKey = iota
)

// WithSenderID returns a new context with the sending node id stored.
func WithSenderID(ctx context.Context, senderID string) context.Context {
	return context.WithValue(ctx, senderIDKey, senderID)
}

// SenderID returns the sending node id, or "" when the call did not come from
// a peer node.
func SenderID(ctx context.Context) string {
	if senderID, ok := ctx.Value(senderIDKey).(string); ok {
		return senderID
	}
	return ""
}

// FromPeer reports whether ctx belongs to a call made by another node.
func FromPeer(ctx context.Context) bool {
	return ctx.Value(senderIDKey) != nil
}
