// Package session carries per-request conversation identity.
//
// A Session is attached to the context.Context of exactly one inbound
// message pass and released with that context. Tool handlers invoked
// during the pass read it from their ctx instead of threading identity
// through every call. Concurrent passes each carry their own context,
// so they can never observe each other's session.
package session

import "context"

// Session identifies the conversation an in-flight request belongs to.
type Session struct {
	GlobalUserID string
	Channel      string
	ChatID       string
	UserID       string
	ReplyTo      string
}

type noSessionError struct{}

func (noSessionError) Error() string { return "no active session on context" }

// ErrNoSession reports that code ran outside an inbound-message pass.
// It is a typed error, never a panic.
var ErrNoSession error = noSessionError{}

type ctxKey struct{}

// With returns a child context carrying the session.
func With(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// From returns the session attached to ctx, or (nil, false) outside an
// active pass.
func From(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok
}
