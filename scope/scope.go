// Package scope carries the caller's identity through context.Context.
//
// The HTTP layer resolves a caller from its API key and attaches it with
// Restore; the job controller reads it back with Capture to stamp new jobs
// with an owner and to restrict reads and mutations to that owner.
package scope

import "context"

type ownerKey struct{}

// Capture returns the owner attached to ctx, or "" for an anonymous
// caller.
func Capture(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// Restore attaches owner to ctx. An empty owner leaves ctx unchanged.
func Restore(ctx context.Context, owner string) context.Context {
	if owner == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, owner)
}

// Allows reports whether the caller in ctx may access a record owned by
// owner. Anonymous callers and unowned records are unrestricted.
func Allows(ctx context.Context, owner string) bool {
	caller := Capture(ctx)
	return caller == "" || owner == "" || caller == owner
}
