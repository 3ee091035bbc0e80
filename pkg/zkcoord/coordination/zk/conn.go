// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

// Package zk adapts a ZooKeeper connection to the coordination.Conn
// contract. It hides ZooKeeper's one-shot watches behind persistent
// registrations and maps error and event kinds onto the SDK's.
package zk

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	gozk "github.com/go-zookeeper/zk"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/logging"
)

var log = logging.GetLogger("zkcoord", "zk")

// Connect dials the configured ensemble and waits for a session to be
// established, retrying with exponential backoff up to the configured
// connect timeout.
func Connect(config Config) (*Conn, error) {
	config = config.withDefaults()
	if len(config.Servers) == 0 {
		return nil, coordination.ErrBadArguments
	}
	zconn, events, err := gozk.Connect(config.Servers, config.SessionTimeout, gozk.WithLogInfo(false))
	if err != nil {
		return nil, err
	}

	wait := backoff.NewExponentialBackOff()
	wait.MaxElapsedTime = config.ConnectTimeout
	err = backoff.Retry(func() error {
		if zconn.State() == gozk.StateHasSession {
			return nil
		}
		return errors.New("zk: session not yet established")
	}, wait)
	if err != nil {
		zconn.Close()
		return nil, err
	}

	c := &Conn{
		conn:    zconn,
		watches: map[string]*pathWatch{},
		lost:    make(chan struct{}),
	}
	go c.monitorSession(events)
	return c, nil
}

// Conn is a session-scoped ZooKeeper connection.
type Conn struct {
	conn *gozk.Conn

	mu      sync.Mutex
	watches map[string]*pathWatch
	nextReg int
	closed  bool
	lost    chan struct{}
}

var _ coordination.Conn = (*Conn)(nil)

type pathWatch struct {
	fns  map[int]func(coordination.Event)
	stop chan struct{}
}

func (c *Conn) monitorSession(events <-chan gozk.Event) {
	for event := range events {
		if event.Type == gozk.EventSession && event.State == gozk.StateExpired {
			log.Warnw("session expired")
			c.interrupt()
			return
		}
	}
	// The event channel closes when the connection is closed.
	c.interrupt()
}

func (c *Conn) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.lost)
	}
}

func (c *Conn) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	created, err := c.conn.Create(path, data, flagsOf(mode), gozk.WorldACL(gozk.PermAll))
	return created, mapError(err)
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(c.conn.Delete(path, -1))
}

func (c *Conn) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, _, err := c.conn.Exists(path)
	return exists, mapError(err)
}

func (c *Conn) Stat(ctx context.Context, path string) (coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return coordination.Stat{}, err
	}
	exists, stat, err := c.conn.Exists(path)
	if err != nil {
		return coordination.Stat{}, mapError(err)
	}
	if !exists {
		return coordination.Stat{}, nil
	}
	return coordination.Stat{
		Exists:      true,
		Ctime:       stat.Ctime,
		NumChildren: int(stat.NumChildren),
	}, nil
}

func (c *Conn) Get(ctx context.Context, path string) ([]byte, coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, coordination.Stat{}, err
	}
	data, stat, err := c.conn.Get(path)
	if err != nil {
		return nil, coordination.Stat{}, mapError(err)
	}
	return data, coordination.Stat{
		Exists:      true,
		Ctime:       stat.Ctime,
		NumChildren: int(stat.NumChildren),
	}, nil
}

func (c *Conn) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := c.conn.Children(path)
	return children, mapError(err)
}

func (c *Conn) EnsurePath(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	walked := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		walked += "/" + part
		_, err := c.conn.Create(walked, nil, 0, gozk.WorldACL(gozk.PermAll))
		if err != nil && !errors.Is(err, gozk.ErrNodeExists) {
			return mapError(err)
		}
	}
	return nil
}

// Register arms a persistent watch on path. ZooKeeper watches are
// one-shot, so a per-path goroutine re-arms an exists watch and fans
// events out to every registration; the goroutine lives while at least
// one registration remains.
func (c *Conn) Register(path string, fn func(coordination.Event)) func() {
	c.mu.Lock()
	id := c.nextReg
	c.nextReg++
	w, ok := c.watches[path]
	if !ok {
		w = &pathWatch{
			fns:  map[int]func(coordination.Event){},
			stop: make(chan struct{}),
		}
		c.watches[path] = w
		go c.watchLoop(path, w)
	}
	w.fns[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(w.fns, id)
		if len(w.fns) == 0 && c.watches[path] == w {
			close(w.stop)
			delete(c.watches, path)
		}
	}
}

func (c *Conn) watchLoop(path string, w *pathWatch) {
	for {
		_, _, ch, err := c.conn.ExistsW(path)
		if err != nil {
			log.Debugw("failed to arm watch", "path", path, "error", err)
			return
		}
		select {
		case event := <-ch:
			if event.Type == gozk.EventSession {
				continue
			}
			if t, ok := eventTypeOf(event.Type); ok {
				c.deliver(path, w, coordination.Event{Type: t, Path: path})
			}
		case <-w.stop:
			return
		case <-c.lost:
			return
		}
	}
}

func (c *Conn) deliver(path string, w *pathWatch, event coordination.Event) {
	c.mu.Lock()
	fns := make([]func(coordination.Event), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && c.conn.State() == gozk.StateHasSession
}

func (c *Conn) SessionLost() <-chan struct{} {
	return c.lost
}

func (c *Conn) Close() error {
	c.interrupt()
	c.conn.Close()
	return nil
}

func flagsOf(mode coordination.CreateMode) int32 {
	switch mode {
	case coordination.Ephemeral:
		return gozk.FlagEphemeral
	case coordination.PersistentSequential:
		return gozk.FlagSequence
	case coordination.EphemeralSequential:
		return gozk.FlagEphemeral | gozk.FlagSequence
	default:
		return 0
	}
}

func eventTypeOf(t gozk.EventType) (coordination.EventType, bool) {
	switch t {
	case gozk.EventNodeCreated:
		return coordination.EventCreated, true
	case gozk.EventNodeDeleted:
		return coordination.EventDeleted, true
	case gozk.EventNodeDataChanged:
		return coordination.EventChanged, true
	case gozk.EventNodeChildrenChanged:
		return coordination.EventChildrenChanged, true
	default:
		return 0, false
	}
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gozk.ErrNoNode):
		return coordination.ErrNoNode
	case errors.Is(err, gozk.ErrNodeExists):
		return coordination.ErrNodeExists
	case errors.Is(err, gozk.ErrNotEmpty):
		return coordination.ErrNotEmpty
	case errors.Is(err, gozk.ErrConnectionClosed), errors.Is(err, gozk.ErrSessionExpired), errors.Is(err, gozk.ErrClosing):
		return coordination.ErrInterruptedSession
	default:
		return err
	}
}
