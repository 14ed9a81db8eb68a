// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package oneshot provides a single-shot error channel: the first error
// sent is delivered exactly once, every later send is silently dropped.
// Each supervised task owns one, so the supervisor observes at most one
// fatal error per task, and noise reported after shutdown has begun is
// ignored.
package oneshot

import "sync"

// Err is a single-shot error channel. The zero value is not usable; use
// NewErr.
type Err struct {
	once sync.Once
	ch   chan error
}

// NewErr creates a single-shot error channel.
func NewErr() *Err {
	return &Err{ch: make(chan error, 1)}
}

// Send delivers err to the receiver if no error has been sent before.
// Later calls are no-ops: only the first fault is observable.
func (e *Err) Send(err error) {
	e.once.Do(func() {
		e.ch <- err
	})
}

// Recv returns the channel carrying the first sent error.
func (e *Err) Recv() <-chan error {
	return e.ch
}
