// Package scope implements the lifetime token described in spec section 3:
// "all resources acquired by initialize ... are attached to this scope and
// released when the scope is closed". Grounded on the teacher's use of
// context.WithCancel to bound background work started by a plugin
// (app/plugin_lifecycle.go starts/stops goroutines per plugin instance).
package scope

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Scope is a cancellation context plus a release-function stack. Closing a
// Scope cancels its Context (interrupting any background work parked on
// ctx.Done()) and then runs every registered release function in LIFO
// order, the same ordering Go's own defer uses.
type Scope struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	releases []func()
}

// New creates a Scope deriving its cancellation from parent.
func New(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{id: uuid.NewString(), ctx: ctx, cancel: cancel}
}

// ID returns a unique identifier for this scope, useful for log
// correlation across the initialize/shutdown lifecycle.
func (s *Scope) ID() string { return s.id }

// Context returns the scope's cancellation context. Background work a
// plugin attaches to the scope should select on ctx.Done() to know when to
// stop.
func (s *Scope) Context() context.Context { return s.ctx }

// Defer registers fn to run when the scope closes, most-recently-deferred
// first. Calling Defer on an already-closed scope runs fn immediately.
func (s *Scope) Defer(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.releases = append(s.releases, fn)
	s.mu.Unlock()
}

// Close cancels the scope's context and runs every deferred release
// function. Close is idempotent: subsequent calls are no-ops.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}

// Closed reports whether Close has already run.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
