// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

// Package zkcoord is the entry point of the SDK. A Client bundles a
// coordination connection with configured root paths and hands out the
// lock and election primitives.
package zkcoord

import (
	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/election"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/lock"
)

// NewClient creates a client on top of an established connection. The
// connection is borrowed, not owned: the client never closes it, the
// caller does.
func NewClient(conn coordination.Conn, opts ...Option) *Client {
	options := newClientOptions()
	for _, opt := range opts {
		opt.apply(&options)
	}
	return &Client{
		conn:    conn,
		options: options,
	}
}

// Client creates coordination primitives sharing one connection.
type Client struct {
	conn    coordination.Conn
	options clientOptions
}

// Conn returns the underlying connection.
func (c *Client) Conn() coordination.Conn {
	return c.conn
}

// NewExclusiveLock creates an exclusive lock with the given name.
func (c *Client) NewExclusiveLock(name string, opts ...lock.Option) (lock.Lock, error) {
	return lock.NewExclusive(c.conn, name, c.lockOpts(opts)...)
}

// NewSharedLock creates a shared lock with the given name.
func (c *Client) NewSharedLock(name string, opts ...lock.Option) (lock.Lock, error) {
	return lock.NewShared(c.conn, name, c.lockOpts(opts)...)
}

// NewCandidate creates a candidate for the named election.
func (c *Client) NewCandidate(name string, opts ...election.Option) (election.Candidate, error) {
	return election.NewCandidate(c.conn, name, c.electionOpts(opts)...)
}

// NewObserver creates an observer for the named election.
func (c *Client) NewObserver(name string, opts ...election.Option) (election.Observer, error) {
	return election.NewObserver(c.conn, name, c.electionOpts(opts)...)
}

func (c *Client) lockOpts(opts []lock.Option) []lock.Option {
	return append([]lock.Option{lock.WithRoot(c.options.lockRoot)}, opts...)
}

func (c *Client) electionOpts(opts []election.Option) []election.Option {
	return append([]election.Option{election.WithRoot(c.options.electionRoot)}, opts...)
}
