// Package cancelable implements the shared advisory cancellation token
// used by every suspended continuation in the data-flow pipeline.
//
// A Cancelable is a cheap-to-copy handle onto a shared flag. It is never
// used to abort in-flight I/O; it only tells a completion callback whether
// the state it captured is still relevant.
package cancelable

import "sync/atomic"

// flag is the shared, reference-counted backing store for a Cancelable.
type flag struct {
	canceled atomic.Bool
}

// Cancelable is a logically-shared { active, canceled } token. The zero
// value is not usable; construct one with New.
type Cancelable struct {
	f *flag
}

// New creates a fresh Cancelable. Creating a new one for a slot logically
// invalidates any continuation that captured a prior token for that slot,
// since that prior token is simply discarded by the slot owner, not
// canceled — callers that want the old continuation to observe
// cancellation must call Cancel on it explicitly before replacing it.
func New() Cancelable {
	return Cancelable{f: &flag{}}
}

// Canceled reports whether this token (or any copy of it) has been
// canceled. Safe to call from any goroutine.
func (c Cancelable) Canceled() bool {
	if c.f == nil {
		return true
	}
	return c.f.canceled.Load()
}

// Cancel marks the token canceled. Idempotent: canceling twice, or
// canceling after the operation already completed, is a no-op beyond the
// flag flip itself.
func (c Cancelable) Cancel() {
	if c.f == nil {
		return
	}
	c.f.canceled.Store(true)
}

// Valid reports whether this Cancelable was produced by New (as opposed to
// the zero value).
func (c Cancelable) Valid() bool {
	return c.f != nil
}
