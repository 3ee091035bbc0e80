// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

// Package lock provides fair distributed locks, exclusive and shared,
// on top of a coordination service. Requesters queue as sequential
// ephemeral children of a per-name parent node; ownership is decided
// by sequence order, and a waiter watches the single predecessor whose
// deletion can promote it rather than polling.
package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/logging"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/watch"
)

var log = logging.GetLogger("zkcoord", "lock")

// Lock is a named distributed lock. An instance is not safe for
// concurrent mutating use; Locked and Waiting may be called from any
// goroutine.
type Lock interface {
	// Lock acquires the lock, blocking until it is granted. It returns
	// ErrInterruptedSession if the session is lost while waiting; the
	// queued request node is then left to die with the session.
	Lock(ctx context.Context) error

	// TryLock attempts to acquire the lock without blocking. On
	// contention the transient request node is removed and false is
	// returned.
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock. It returns true if this instance held
	// the lock and cleanup succeeded. Unlock is idempotent; it never
	// fails on missing nodes, and it refuses to touch a parent node
	// that was recreated by someone else.
	Unlock(ctx context.Context) (bool, error)

	// WithLock acquires the lock, runs fn, and releases the lock on
	// every exit path.
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error

	// Locked reports the local view of ownership, without a server
	// round trip.
	Locked() bool

	// Waiting reports whether a Lock call is currently parked behind a
	// predecessor.
	Waiting() bool

	// WaitUntilBlocked returns once a concurrent Lock call has entered
	// its watcher wait, or ErrWaitTimeout.
	WaitUntilBlocked(timeout time.Duration) error

	// Acquirable reports whether a new requester would currently be
	// granted the lock.
	Acquirable(ctx context.Context) (bool, error)

	// Assert verifies against the server that this instance still holds
	// the lock, returning an AssertionError otherwise. It is the guard
	// against silent session loss and recreated-parent races.
	Assert(ctx context.Context) error

	// OwnerData returns the payload of the node currently considered
	// the lock owner, or nil if there is none.
	OwnerData(ctx context.Context) ([]byte, error)

	// Name returns the lock name.
	Name() string

	// LockPath returns the full path of this instance's request node,
	// or "" when it has none.
	LockPath() string
}

// NewExclusive creates an exclusive lock with the given name. The name
// may contain slashes; they are escaped in the parent node's name.
func NewExclusive(conn coordination.Conn, name string, opts ...Option) (Lock, error) {
	return newLock(conn, name, exclusivePolicy, opts...)
}

// NewShared creates a shared lock with the given name. Multiple shared
// holders coexist; any exclusive request ahead of them blocks them.
func NewShared(conn coordination.Conn, name string, opts ...Option) (Lock, error) {
	return newLock(conn, name, sharedPolicy, opts...)
}

func newLock(conn coordination.Conn, name string, policy policy, opts ...Option) (Lock, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: lock name must not be empty", coordination.ErrBadArguments)
	}
	options := newLockOptions()
	for _, opt := range opts {
		opt.apply(&options)
	}
	l := &distLock{
		conn:    conn,
		name:    name,
		policy:  policy,
		options: options,
	}
	return l, nil
}

type distLock struct {
	conn    coordination.Conn
	name    string
	policy  policy
	options lockOptions

	mu         sync.Mutex
	locked     bool
	pending    bool
	lockPath   string
	parentStat *coordination.Stat
	watcher    *watch.DeletionWatcher
	waiters    []chan *watch.DeletionWatcher
}

func (l *distLock) Name() string {
	return l.name
}

func (l *distLock) LockPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockPath
}

func (l *distLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

func (l *distLock) Waiting() bool {
	l.mu.Lock()
	w := l.watcher
	l.mu.Unlock()
	return w != nil && w.Blocked()
}

// parentPath is the per-name queueing node, with slashes in the lock
// name escaped so it stays a single child of the root.
func (l *distLock) parentPath() string {
	return coordination.Join(l.options.root, strings.ReplaceAll(l.name, "/", "__"))
}

func (l *distLock) Lock(ctx context.Context) error {
	_, err := l.acquire(ctx, true)
	return err
}

func (l *distLock) TryLock(ctx context.Context) (bool, error) {
	return l.acquire(ctx, false)
}

func (l *distLock) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		// Release must happen even when ctx was cancelled inside fn.
		if _, err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Errorw("failed to release lock", "name", l.name, "error", err)
		}
	}()
	return fn(ctx)
}

func (l *distLock) acquire(ctx context.Context, blocking bool) (bool, error) {
	l.mu.Lock()
	if l.locked {
		l.mu.Unlock()
		return true, nil
	}
	if l.pending {
		l.mu.Unlock()
		return false, fmt.Errorf("%w: concurrent lock attempt on the same instance", coordination.ErrBadArguments)
	}
	l.pending = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.pending = false
		l.mu.Unlock()
	}()

	lockPath, parentStat, err := l.createRequestNode(ctx)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.lockPath = lockPath
	l.parentStat = &parentStat
	l.mu.Unlock()
	log.Debugw("queued lock request", "name", l.name, "kind", l.policy.kind, "path", lockPath)

	self := coordination.Base(lockPath)
	for {
		children, err := l.sortedChildren(ctx)
		if err != nil {
			l.abandon(ctx)
			return false, err
		}
		if !contains(children, self) {
			// Our request node is gone without us removing it; only
			// session death does that.
			l.resetLocked()
			return false, fmt.Errorf("%w: lock node %s vanished", coordination.ErrInterruptedSession, lockPath)
		}
		if l.policy.owned(children, self) {
			l.mu.Lock()
			l.locked = true
			l.watcher = nil
			l.mu.Unlock()
			log.Debugw("acquired lock", "name", l.name, "kind", l.policy.kind, "path", lockPath)
			return true, nil
		}
		if !blocking {
			l.abandon(ctx)
			return false, nil
		}

		blocker := l.policy.blocker(children, self)
		if blocker == "" {
			// The child set changed between the ownership check and the
			// blocker scan; re-enumerate.
			continue
		}
		watcher := watch.NewDeletionWatcher(l.conn, coordination.Join(l.parentPath(), blocker))
		l.installWatcher(watcher)
		log.Debugw("waiting on predecessor", "name", l.name, "path", lockPath, "blocker", blocker)
		err = watcher.Wait(ctx)
		l.mu.Lock()
		l.watcher = nil
		l.mu.Unlock()
		if err != nil {
			if coordination.IsInterruptedSession(err) {
				// The ephemeral request node dies with the session.
				l.resetLocked()
				return false, err
			}
			l.abandon(ctx)
			return false, err
		}
	}
}

// createRequestNode creates the sequential ephemeral request child,
// creating the parent path on demand. The missing-parent condition is
// recovered exactly once; the parent stat is snapshotted right after a
// successful create as the parent-identity token for cleanup.
func (l *distLock) createRequestNode(ctx context.Context) (string, coordination.Stat, error) {
	path, result, err := l.tryCreateChild(ctx)
	if result == createMissingParent {
		if err := l.conn.EnsurePath(ctx, l.parentPath()); err != nil {
			return "", coordination.Stat{}, err
		}
		path, _, err = l.tryCreateChild(ctx)
	}
	if err != nil {
		return "", coordination.Stat{}, err
	}
	stat, err := l.conn.Stat(ctx, l.parentPath())
	if err != nil {
		return "", coordination.Stat{}, err
	}
	return path, stat, nil
}

type createResult int

const (
	createOK createResult = iota
	createMissingParent
	createFailed
)

func (l *distLock) tryCreateChild(ctx context.Context) (string, createResult, error) {
	path, err := l.conn.Create(ctx, coordination.Join(l.parentPath(), l.policy.prefix), l.options.data, coordination.EphemeralSequential)
	switch {
	case err == nil:
		return path, createOK, nil
	case coordination.IsNoNode(err):
		return "", createMissingParent, err
	default:
		return "", createFailed, err
	}
}

func (l *distLock) Unlock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockPath == "" {
		return false, nil
	}
	held := l.locked
	ok, err := l.cleanupLocked(ctx)
	if err != nil {
		return false, err
	}
	return held && ok, nil
}

// cleanupLocked removes this instance's request node and best-effort
// removes the parent, but only when the parent's ctime still matches
// the snapshot taken at creation. A mismatched ctime means the parent
// was deleted and recreated by someone else; their state must not be
// touched. Local state is cleared either way.
func (l *distLock) cleanupLocked(ctx context.Context) (bool, error) {
	ok := false
	if l.lockPath != "" && l.parentStat != nil {
		stat, err := l.conn.Stat(ctx, l.parentPath())
		if err != nil {
			return false, err
		}
		if stat.Exists && stat.Ctime == l.parentStat.Ctime {
			if err := l.conn.Delete(ctx, l.lockPath); err != nil && !coordination.IsNoNode(err) {
				return false, err
			}
			if err := l.conn.Delete(ctx, l.parentPath()); err != nil && !coordination.IsNoNode(err) && !coordination.IsNotEmpty(err) {
				return false, err
			}
			ok = true
		} else {
			log.Warnw("parent node was recreated, leaving it alone", "name", l.name, "path", l.parentPath())
		}
	}
	l.reset()
	return ok, nil
}

// abandon removes the request node after a failed or contended attempt.
// Removal is best effort; the node is ephemeral and cannot outlive the
// session.
func (l *distLock) abandon(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.cleanupLocked(ctx); err != nil {
		log.Debugw("failed to clean up lock request", "name", l.name, "error", err)
		l.reset()
	}
}

func (l *distLock) resetLocked() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}

// reset clears the instance bookkeeping. Callers hold l.mu.
func (l *distLock) reset() {
	l.locked = false
	l.lockPath = ""
	l.parentStat = nil
	l.watcher = nil
}

func (l *distLock) installWatcher(watcher *watch.DeletionWatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watcher = watcher
	for _, ch := range l.waiters {
		ch <- watcher
	}
	l.waiters = nil
}

func (l *distLock) WaitUntilBlocked(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	l.mu.Lock()
	watcher := l.watcher
	if watcher == nil {
		ch := make(chan *watch.DeletionWatcher, 1)
		l.waiters = append(l.waiters, ch)
		l.mu.Unlock()
		select {
		case watcher = <-ch:
		case <-time.After(time.Until(deadline)):
			return coordination.ErrWaitTimeout
		}
	} else {
		l.mu.Unlock()
	}
	return watcher.WaitUntilBlocked(time.Until(deadline))
}

func (l *distLock) Acquirable(ctx context.Context) (bool, error) {
	if l.Locked() {
		return true, nil
	}
	children, err := l.conn.Children(ctx, l.parentPath())
	if coordination.IsNoNode(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	self := coordination.Base(l.LockPath())
	others := make([]string, 0, len(children))
	for _, child := range children {
		if child != self {
			others = append(others, child)
		}
	}
	return l.policy.acquirable(sortBySeq(others)), nil
}

func (l *distLock) Assert(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fail := func(reason string) error {
		return &AssertionError{Name: l.name, Reason: reason}
	}
	if !l.locked {
		return fail("not locked")
	}
	if !l.conn.Connected() {
		return fail("connection is unusable")
	}
	if l.lockPath == "" {
		return fail("no lock node")
	}
	exists, err := l.conn.Exists(ctx, l.lockPath)
	if err != nil {
		return err
	}
	if !exists {
		return fail("lock node is gone")
	}
	stat, err := l.conn.Stat(ctx, l.parentPath())
	if err != nil {
		return err
	}
	if !stat.Exists || l.parentStat == nil || stat.Ctime != l.parentStat.Ctime {
		return fail("parent node was recreated")
	}
	children, err := l.conn.Children(ctx, l.parentPath())
	if err != nil {
		return err
	}
	if !l.policy.owned(sortBySeq(children), coordination.Base(l.lockPath)) {
		return fail("not the lock owner")
	}
	return nil
}

func (l *distLock) OwnerData(ctx context.Context) ([]byte, error) {
	children, err := l.sortedChildren(ctx)
	if coordination.IsNoNode(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	owner := l.policy.ownerNode(children)
	if owner == "" {
		return nil, nil
	}
	data, _, err := l.conn.Get(ctx, coordination.Join(l.parentPath(), owner))
	if coordination.IsNoNode(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (l *distLock) sortedChildren(ctx context.Context) ([]string, error) {
	children, err := l.conn.Children(ctx, l.parentPath())
	if err != nil {
		return nil, err
	}
	return sortBySeq(children), nil
}

func contains(children []string, name string) bool {
	for _, child := range children {
		if child == name {
			return true
		}
	}
	return false
}
