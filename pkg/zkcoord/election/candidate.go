// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

// Package election provides leader election on top of a coordination
// service. Candidates queue as sequential ephemeral vote nodes; the
// lowest sequence is the leader. A two-phase handover delays losers
// until the winner has published a leader acknowledgement node, so
// dependent work never starts against a half-initialized leader.
package election

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/logging"
)

var log = logging.GetLogger("zkcoord", "election")

const votePrefix = "ex"

// Candidate is a participant in a named election. Callbacks run on the
// candidate's dispatch goroutine (or inside Vote for an immediate
// winner); they must not call Vote or Close, nor block indefinitely
// unless wrapped with Deferred.
type Candidate interface {
	// Vote enters the election. If this candidate is first in line the
	// winning callbacks run synchronously and the leader ack is
	// published before Vote returns. Otherwise the candidate waits in
	// the background: its losing callbacks fire once the current
	// leader's ack is observed, and it runs the winner path if every
	// candidate ahead of it disappears.
	Vote(ctx context.Context) error

	// IsLeader reports whether this candidate's vote is currently the
	// lowest-numbered one.
	IsLeader(ctx context.Context) (bool, error)

	// LeaderAcked reports whether the current leader has published its
	// acknowledgement.
	LeaderAcked(ctx context.Context) (bool, error)

	// OnWinningElection registers fn to run when this candidate becomes
	// leader, before the ack is published. Callbacks run in
	// registration order.
	OnWinningElection(fn func())

	// OnLosingElection registers fn to run when another candidate's
	// leadership has been acknowledged.
	OnLosingElection(fn func())

	// VotePath returns the full path of this candidate's vote node, or
	// "" before Vote.
	VotePath() string

	// Close withdraws from the election, removing the vote node and,
	// if this candidate was the acknowledged leader, the ack node. No
	// callbacks fire after Close.
	Close(ctx context.Context) error
}

// NewCandidate creates a candidate for the named election.
func NewCandidate(conn coordination.Conn, name string, opts ...Option) (Candidate, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: election name must not be empty", coordination.ErrBadArguments)
	}
	options := newElectionOptions()
	for _, opt := range opts {
		opt.apply(&options)
	}
	return &candidate{
		conn:    conn,
		name:    name,
		options: options,
		stopCh:  make(chan struct{}),
	}, nil
}

type candidate struct {
	conn    coordination.Conn
	name    string
	options electionOptions

	mu       sync.Mutex
	votePath string
	leader   bool
	acked    bool
	closed   bool
	winCbs   []func()
	loseCbs  []func()
	stopCh   chan struct{}
}

func (c *candidate) electionPath() string {
	return coordination.Join(c.options.root, c.name)
}

func (c *candidate) ackPath() string {
	return coordination.Join(c.electionPath(), AckNodeName)
}

func (c *candidate) VotePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.votePath
}

func (c *candidate) OnWinningElection(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.winCbs = append(c.winCbs, fn)
}

func (c *candidate) OnLosingElection(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loseCbs = append(c.loseCbs, fn)
}

func (c *candidate) Vote(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: candidate is closed", coordination.ErrBadArguments)
	}
	if c.votePath != "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: candidate has already voted", coordination.ErrBadArguments)
	}
	c.mu.Unlock()

	votePath, err := c.createVoteNode(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.votePath = votePath
	c.mu.Unlock()
	log.Debugw("cast vote", "election", c.name, "path", votePath)

	children, err := c.sortedVotes(ctx)
	if err != nil {
		return err
	}
	if len(children) > 0 && children[0] == coordination.Base(votePath) {
		c.becomeLeader()
		return nil
	}
	go c.follow()
	return nil
}

// createVoteNode creates the sequential ephemeral vote child, creating
// the election path on demand with a single retry.
func (c *candidate) createVoteNode(ctx context.Context) (string, error) {
	path, err := c.conn.Create(ctx, coordination.Join(c.electionPath(), votePrefix), c.options.data, coordination.EphemeralSequential)
	if coordination.IsNoNode(err) {
		if err := c.conn.EnsurePath(ctx, c.electionPath()); err != nil {
			return "", err
		}
		path, err = c.conn.Create(ctx, coordination.Join(c.electionPath(), votePrefix), c.options.data, coordination.EphemeralSequential)
	}
	return path, err
}

// follow is the waiting candidate's dispatch goroutine. It watches the
// leader ack for the losing transition and the immediate predecessor's
// vote node for promotion, re-evaluating the whole queue after every
// wake-up.
func (c *candidate) follow() {
	events := make(chan coordination.Event, 16)
	push := func(e coordination.Event) {
		select {
		case events <- e:
		default:
		}
	}
	cancelAck := c.conn.Register(c.ackPath(), push)
	defer cancelAck()

	var cancelPred func()
	predPath := ""
	defer func() {
		if cancelPred != nil {
			cancelPred()
		}
	}()

	ctx := context.Background()
	ackFired := false
	for {
		children, err := c.sortedVotes(ctx)
		if err != nil {
			if !coordination.IsInterruptedSession(err) {
				log.Errorw("failed to read election votes", "election", c.name, "error", err)
			}
			return
		}
		self := coordination.Base(c.VotePath())
		if !contains(children, self) {
			// Our vote is gone; the session ended or Close removed it.
			return
		}
		if children[0] == self {
			c.becomeLeader()
			return
		}

		pred := coordination.Join(c.electionPath(), predecessor(children, self))
		if pred != predPath {
			if cancelPred != nil {
				cancelPred()
			}
			cancelPred = c.conn.Register(pred, push)
			predPath = pred
		}

		ackExists, err := c.conn.Exists(ctx, c.ackPath())
		if err != nil {
			if !coordination.IsInterruptedSession(err) {
				log.Errorw("failed to check leader ack", "election", c.name, "error", err)
			}
			return
		}
		if ackExists && !ackFired {
			c.fireLosing()
			ackFired = true
		} else if !ackExists {
			// The previous leader's ack is gone; a new generation may
			// ack later and losing callbacks fire again for it.
			ackFired = false
		}

		select {
		case <-events:
		case <-c.conn.SessionLost():
			return
		case <-c.stopCh:
			return
		}
	}
}

// becomeLeader runs the winner path: winning callbacks first, then the
// ack publication. The ack is written even if a callback panicked, so
// waiting losers are never stranded.
func (c *candidate) becomeLeader() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.leader = true
	cbs := append([]func(){}, c.winCbs...)
	c.mu.Unlock()

	log.Debugw("won election", "election", c.name)
	fireAll("winning", c.name, cbs)

	if _, err := c.conn.Create(context.Background(), c.ackPath(), c.options.data, coordination.Ephemeral); err != nil && !coordination.IsNodeExists(err) {
		log.Errorw("failed to publish leader ack", "election", c.name, "error", err)
		return
	}
	c.mu.Lock()
	c.acked = true
	c.mu.Unlock()
}

func (c *candidate) fireLosing() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cbs := append([]func(){}, c.loseCbs...)
	c.mu.Unlock()
	log.Debugw("lost election", "election", c.name)
	fireAll("losing", c.name, cbs)
}

func (c *candidate) IsLeader(ctx context.Context) (bool, error) {
	votePath := c.VotePath()
	if votePath == "" {
		return false, nil
	}
	children, err := c.sortedVotes(ctx)
	if err != nil {
		return false, err
	}
	return len(children) > 0 && children[0] == coordination.Base(votePath), nil
}

func (c *candidate) LeaderAcked(ctx context.Context) (bool, error) {
	return c.conn.Exists(ctx, c.ackPath())
}

func (c *candidate) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopCh)
	votePath := c.votePath
	acked := c.acked
	c.votePath = ""
	c.mu.Unlock()

	if votePath != "" {
		if err := c.conn.Delete(ctx, votePath); err != nil && !coordination.IsNoNode(err) {
			return err
		}
	}
	if acked {
		if err := c.conn.Delete(ctx, c.ackPath()); err != nil && !coordination.IsNoNode(err) {
			return err
		}
	}
	return nil
}

func (c *candidate) sortedVotes(ctx context.Context) ([]string, error) {
	children, err := c.conn.Children(ctx, c.electionPath())
	if err != nil {
		return nil, err
	}
	return sortBySeq(children), nil
}

func fireAll(kind, name string, cbs []func()) {
	for _, fn := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorw("election callback panicked", "election", name, "kind", kind, "panic", r)
				}
			}()
			fn()
		}()
	}
}

// parseSeq extracts the sequence suffix from a vote basename. Names
// without one, like the ack node, are not votes.
func parseSeq(name string) (int64, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, false
	}
	var seq int64
	for _, ch := range name[i:] {
		seq = seq*10 + int64(ch-'0')
	}
	return seq, true
}

func sortBySeq(children []string) []string {
	votes := make([]string, 0, len(children))
	for _, child := range children {
		if _, ok := parseSeq(child); ok {
			votes = append(votes, child)
		}
	}
	sort.Slice(votes, func(i, j int) bool {
		a, _ := parseSeq(votes[i])
		b, _ := parseSeq(votes[j])
		return a < b
	})
	return votes
}

func predecessor(children []string, self string) string {
	prev := ""
	for _, child := range children {
		if child == self {
			return prev
		}
		prev = child
	}
	return ""
}

func contains(children []string, name string) bool {
	for _, child := range children {
		if child == name {
			return true
		}
	}
	return false
}
