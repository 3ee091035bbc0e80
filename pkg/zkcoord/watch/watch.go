// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

// Package watch provides blocking waiters on the existence of a single
// coordination node. A waiter keeps one registration armed, parks on a
// channel, and re-checks existence after every wake-up so that a node
// recreated before the waiter runs is not mistaken for a transition.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
)

// DeletionWatcher blocks a caller until a node no longer exists.
type DeletionWatcher struct {
	waiter
}

// NewDeletionWatcher creates a watcher for the given path.
func NewDeletionWatcher(conn coordination.Conn, path string) *DeletionWatcher {
	return &DeletionWatcher{newWaiter(conn, path, false)}
}

// CreationWatcher blocks a caller until a node exists.
type CreationWatcher struct {
	waiter
}

// NewCreationWatcher creates a watcher for the given path.
func NewCreationWatcher(conn coordination.Conn, path string) *CreationWatcher {
	return &CreationWatcher{newWaiter(conn, path, true)}
}

type waiter struct {
	conn coordination.Conn
	path string
	want bool

	mu        sync.Mutex
	blocked   bool
	blockedCh chan struct{}
	announced bool
}

func newWaiter(conn coordination.Conn, path string, want bool) waiter {
	return waiter{
		conn:      conn,
		path:      path,
		want:      want,
		blockedCh: make(chan struct{}),
	}
}

// Path returns the watched path.
func (w *waiter) Path() string {
	return w.path
}

// Wait blocks until the node reaches the wanted existence state.
// It returns ErrInterruptedSession if the session is lost or the
// connection is closed, and the context error on cancellation.
func (w *waiter) Wait(ctx context.Context) error {
	// Buffered so the dispatch goroutine never blocks on us; a dropped
	// event is harmless because existence is re-checked on every wake.
	events := make(chan coordination.Event, 8)
	cancel := w.conn.Register(w.path, func(e coordination.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer cancel()
	defer w.setBlocked(false)

	for {
		exists, err := w.conn.Exists(ctx, w.path)
		if err != nil {
			return err
		}
		if exists == w.want {
			return nil
		}
		w.setBlocked(true)
		select {
		case <-events:
		case <-w.conn.SessionLost():
			return coordination.ErrInterruptedSession
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Blocked reports whether a Wait call is currently parked.
func (w *waiter) Blocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blocked
}

// WaitUntilBlocked returns once a Wait call has entered its parked
// state, or ErrWaitTimeout if that does not happen within timeout.
func (w *waiter) WaitUntilBlocked(timeout time.Duration) error {
	w.mu.Lock()
	ch := w.blockedCh
	w.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return coordination.ErrWaitTimeout
	}
}

func (w *waiter) setBlocked(blocked bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocked = blocked
	if blocked && !w.announced {
		w.announced = true
		close(w.blockedCh)
	}
}
