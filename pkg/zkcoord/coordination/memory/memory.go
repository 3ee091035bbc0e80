// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process coordination service for tests.
// It implements the full contract of coordination.Conn including
// ephemeral nodes, per-parent sequence counters, watches with ordered
// delivery, and session expiration for fault injection.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
)

// Service is a simulated coordination service. All sessions created
// from one Service share a single tree and a single event-dispatch
// goroutine, mirroring the server-side event ordering of the real
// thing.
type Service struct {
	mu       sync.Mutex
	clock    int64
	root     *node
	regs     map[string]map[int]func(coordination.Event)
	nextReg  int
	dispatch *dispatcher
}

// NewService creates an empty service.
func NewService() *Service {
	return &Service{
		root: &node{
			children: map[string]*node{},
		},
		regs:     map[string]map[int]func(coordination.Event){},
		dispatch: newDispatcher(),
	}
}

// Stop terminates the event-dispatch goroutine. Pending events are
// still delivered first.
func (s *Service) Stop() {
	s.dispatch.stop()
}

// Defer schedules fn on the event-dispatch goroutine, after any events
// already queued.
func (s *Service) Defer(fn func()) {
	s.dispatch.enqueue(fn)
}

// NewSession opens a session against the service.
func (s *Service) NewSession() *Session {
	return &Session{
		svc:  s,
		id:   uuid.New().String(),
		lost: make(chan struct{}),
	}
}

type node struct {
	data     []byte
	mode     coordination.CreateMode
	owner    *Session
	ctime    int64
	nextSeq  int64
	children map[string]*node
}

func (n *node) ephemeral() bool {
	return n.mode == coordination.Ephemeral || n.mode == coordination.EphemeralSequential
}

// Session is one client session. It implements coordination.Conn.
type Session struct {
	svc    *Service
	id     string
	mu     sync.Mutex
	closed bool
	lost   chan struct{}
}

var _ coordination.Conn = (*Session)(nil)

// ID returns the session identifier.
func (c *Session) ID() string {
	return c.id
}

func (c *Session) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := validate(path); err != nil {
		return "", err
	}
	s := c.svc
	s.mu.Lock()
	parent, err := s.lookup(parentPath(path))
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	name := coordination.Base(path)
	if mode == coordination.PersistentSequential || mode == coordination.EphemeralSequential {
		name = fmt.Sprintf("%s%010d", name, parent.nextSeq)
		parent.nextSeq++
	} else if _, ok := parent.children[name]; ok {
		s.mu.Unlock()
		return "", coordination.ErrNodeExists
	}
	s.clock++
	child := &node{
		data:     append([]byte(nil), data...),
		mode:     mode,
		ctime:    s.clock,
		children: map[string]*node{},
	}
	if child.ephemeral() {
		child.owner = c
	}
	parent.children[name] = child
	created := coordination.Join(parentPath(path), name)
	s.fireLocked(created, coordination.EventCreated)
	s.mu.Unlock()
	return created, nil
}

func (c *Session) Delete(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(path)
}

func (c *Session) Exists(ctx context.Context, path string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.lookup(path)
	if coordination.IsNoNode(err) {
		return false, nil
	}
	return err == nil, err
}

func (c *Session) Stat(ctx context.Context, path string) (coordination.Stat, error) {
	if err := c.check(ctx); err != nil {
		return coordination.Stat{}, err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if coordination.IsNoNode(err) {
		return coordination.Stat{}, nil
	}
	if err != nil {
		return coordination.Stat{}, err
	}
	return coordination.Stat{
		Exists:      true,
		Ctime:       n.ctime,
		NumChildren: len(n.children),
	}, nil
}

func (c *Session) Get(ctx context.Context, path string) ([]byte, coordination.Stat, error) {
	if err := c.check(ctx); err != nil {
		return nil, coordination.Stat{}, err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if err != nil {
		return nil, coordination.Stat{}, err
	}
	stat := coordination.Stat{
		Exists:      true,
		Ctime:       n.ctime,
		NumChildren: len(n.children),
	}
	return append([]byte(nil), n.data...), stat, nil
}

func (c *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Session) EnsurePath(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := validate(path); err != nil {
		return err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.root
	walked := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		walked += "/" + part
		next, ok := current.children[part]
		if !ok {
			s.clock++
			next = &node{
				mode:     coordination.Persistent,
				ctime:    s.clock,
				children: map[string]*node{},
			}
			current.children[part] = next
			s.fireLocked(walked, coordination.EventCreated)
		}
		current = next
	}
	return nil
}

func (c *Session) Register(path string, fn func(coordination.Event)) func() {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextReg
	s.nextReg++
	if s.regs[path] == nil {
		s.regs[path] = map[int]func(coordination.Event){}
	}
	s.regs[path][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.regs[path], id)
	}
}

func (c *Session) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Session) SessionLost() <-chan struct{} {
	return c.lost
}

// Close ends the session normally, releasing its ephemeral nodes.
func (c *Session) Close() error {
	c.end()
	return nil
}

// Expire simulates server-side session expiration. Equivalent to Close
// from the tree's point of view; exists so fault-injection reads as
// what it is.
func (c *Session) Expire() {
	c.end()
}

func (c *Session) end() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.lost)
	c.mu.Unlock()

	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked("", s.root, c)
}

func (c *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return coordination.ErrInterruptedSession
	}
	return nil
}

func (s *Service) lookup(path string) (*node, error) {
	if path == "/" || path == "" {
		return s.root, nil
	}
	current := s.root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		next, ok := current.children[part]
		if !ok {
			return nil, coordination.ErrNoNode
		}
		current = next
	}
	return current, nil
}

func (s *Service) deleteLocked(path string) error {
	parent, err := s.lookup(parentPath(path))
	if err != nil {
		return err
	}
	name := coordination.Base(path)
	n, ok := parent.children[name]
	if !ok {
		return coordination.ErrNoNode
	}
	if len(n.children) > 0 {
		return coordination.ErrNotEmpty
	}
	delete(parent.children, name)
	s.fireLocked(path, coordination.EventDeleted)
	return nil
}

// reapLocked removes every ephemeral owned by the ending session,
// depth first so deletion events for children precede their parents'.
func (s *Service) reapLocked(path string, n *node, owner *Session) {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := n.children[name]
		childPath := path + "/" + name
		s.reapLocked(childPath, child, owner)
		if child.owner == owner && len(child.children) == 0 {
			delete(n.children, name)
			s.fireLocked(childPath, coordination.EventDeleted)
		}
	}
}

func (s *Service) fireLocked(path string, t coordination.EventType) {
	event := coordination.Event{Type: t, Path: path}
	for _, fn := range s.regs[path] {
		fn := fn
		s.dispatch.enqueue(func() { fn(event) })
	}
	parent := parentPath(path)
	for _, fn := range s.regs[parent] {
		fn := fn
		s.dispatch.enqueue(func() {
			fn(coordination.Event{Type: coordination.EventChildrenChanged, Path: parent})
		})
	}
}

func parentPath(path string) string {
	if i := strings.LastIndex(path, "/"); i > 0 {
		return path[:i]
	}
	return "/"
}

func validate(path string) error {
	if path == "" || !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return coordination.ErrBadArguments
	}
	return nil
}

// dispatcher serializes event delivery on a single goroutine with an
// unbounded queue, so tree mutators never block on user callbacks.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.cond.Signal()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.stopped {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
	}
}
