// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

package election

import (
	"context"
	"fmt"
	"sync"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
)

// Observer watches a named election without voting, surfacing leader
// liveness transitions. Callbacks run on the connection's dispatch
// goroutine (the one for the initial state runs inside Observe) and
// alternate strictly: new-leader, death, new-leader …
// Callbacks must not call Observe or Close.
type Observer interface {
	// Observe starts watching. The initial state fires a callback too:
	// new-leader if the ack exists, leader-death if it does not.
	Observe(ctx context.Context) error

	// LeaderAlive returns the last observed liveness. known is false
	// until Observe has resolved the initial state.
	LeaderAlive() (alive bool, known bool)

	// LeaderData returns the payload the current leader stored in its
	// ack node, or nil.
	LeaderData() []byte

	// OnNewLeader registers fn to run on each leader-alive transition.
	OnNewLeader(fn func())

	// OnLeadersDeath registers fn to run on each leader-death
	// transition.
	OnLeadersDeath(fn func())

	// Close stops watching. No callbacks fire after Close.
	Close() error
}

// NewObserver creates an observer for the named election.
func NewObserver(conn coordination.Conn, name string, opts ...Option) (Observer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: election name must not be empty", coordination.ErrBadArguments)
	}
	options := newElectionOptions()
	for _, opt := range opts {
		opt.apply(&options)
	}
	return &observer{
		conn:    conn,
		name:    name,
		options: options,
	}, nil
}

type observer struct {
	conn    coordination.Conn
	name    string
	options electionOptions

	// dispatchMu serializes transitions so callback order matches
	// observation order; mu alone guards the readable state, so
	// callbacks may call LeaderAlive and LeaderData.
	dispatchMu sync.Mutex
	mu         sync.Mutex
	known      bool
	alive      bool
	data       []byte
	closed     bool
	cancel     func()
	newCbs     []func()
	deathCbs   []func()
}

func (o *observer) ackPath() string {
	return coordination.Join(o.options.root, o.name, AckNodeName)
}

func (o *observer) OnNewLeader(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.newCbs = append(o.newCbs, fn)
}

func (o *observer) OnLeadersDeath(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deathCbs = append(o.deathCbs, fn)
}

func (o *observer) LeaderAlive() (bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alive, o.known
}

func (o *observer) LeaderData() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.data == nil {
		return nil
	}
	return append([]byte(nil), o.data...)
}

func (o *observer) Observe(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("%w: observer is closed", coordination.ErrBadArguments)
	}
	if o.cancel != nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: observer is already observing", coordination.ErrBadArguments)
	}
	o.mu.Unlock()

	cancel := o.conn.Register(o.ackPath(), o.handle)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	exists, err := o.conn.Exists(ctx, o.ackPath())
	if err != nil {
		o.Close()
		return err
	}
	if exists {
		data := o.readAck()
		o.transition(true, data)
	} else {
		o.transition(false, nil)
	}
	return nil
}

func (o *observer) handle(e coordination.Event) {
	switch e.Type {
	case coordination.EventCreated:
		o.transition(true, o.readAck())
	case coordination.EventDeleted:
		o.transition(false, nil)
	}
}

func (o *observer) readAck() []byte {
	data, _, err := o.conn.Get(context.Background(), o.ackPath())
	if err != nil {
		if !coordination.IsNoNode(err) && !coordination.IsInterruptedSession(err) {
			log.Errorw("failed to read leader data", "election", o.name, "error", err)
		}
		return nil
	}
	return data
}

// transition updates the tri-state and fires the matching callbacks.
// Duplicate observations of the same state are suppressed, which keeps
// the callback sequence strictly alternating.
func (o *observer) transition(alive bool, data []byte) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	o.mu.Lock()
	if o.closed || (o.known && o.alive == alive) {
		o.mu.Unlock()
		return
	}
	o.known = true
	o.alive = alive
	o.data = data
	var cbs []func()
	if alive {
		cbs = append([]func(){}, o.newCbs...)
	} else {
		cbs = append([]func(){}, o.deathCbs...)
	}
	o.mu.Unlock()

	if alive {
		log.Debugw("observed new leader", "election", o.name)
	} else {
		log.Debugw("observed leader death", "election", o.name)
	}
	fireAll("observer", o.name, cbs)
}

func (o *observer) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
