// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

package zkcoord

import (
	"github.com/zkcoord/go-sdk/pkg/zkcoord/election"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/lock"
)

// Option configures a Client.
type Option interface {
	apply(options *clientOptions)
}

type clientOptions struct {
	lockRoot     string
	electionRoot string
}

func newClientOptions() clientOptions {
	return clientOptions{
		lockRoot:     lock.DefaultRoot,
		electionRoot: election.DefaultRoot,
	}
}

// WithLockRoot sets the root node for all locks created by the client.
func WithLockRoot(root string) Option {
	return lockRootOption{root: root}
}

type lockRootOption struct {
	root string
}

func (o lockRootOption) apply(options *clientOptions) {
	options.lockRoot = o.root
}

// WithElectionRoot sets the root node for all elections created by the
// client.
func WithElectionRoot(root string) Option {
	return electionRootOption{root: root}
}

type electionRootOption struct {
	root string
}

func (o electionRootOption) apply(options *clientOptions) {
	options.electionRoot = o.root
}
