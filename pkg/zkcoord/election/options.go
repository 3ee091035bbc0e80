// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

package election

// DefaultRoot is the parent of all election state unless WithRoot is
// given.
const DefaultRoot = "/_zkelection"

// AckNodeName is the name of the distinguished child written by the
// winner once its winning callbacks have completed.
const AckNodeName = "leader_ack"

// Option configures a Candidate or an Observer.
type Option interface {
	apply(options *electionOptions)
}

type electionOptions struct {
	root string
	data []byte
}

func newElectionOptions() electionOptions {
	return electionOptions{
		root: DefaultRoot,
	}
}

// WithRoot sets the root node under which election state is kept.
func WithRoot(root string) Option {
	return rootOption{root: root}
}

type rootOption struct {
	root string
}

func (o rootOption) apply(options *electionOptions) {
	options.root = o.root
}

// WithData sets the payload stored in the candidate's vote node and,
// if it wins, in the leader acknowledgement node.
func WithData(data []byte) Option {
	return dataOption{data: data}
}

type dataOption struct {
	data []byte
}

func (o dataOption) apply(options *electionOptions) {
	options.data = o.data
}

// Deferred wraps a callback so that it runs on its own goroutine
// instead of the election's dispatch goroutine. Use it for callbacks
// that block or that need to call back into the instance.
func Deferred(fn func()) func() {
	return func() {
		go fn()
	}
}
