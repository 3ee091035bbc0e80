// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"sort"
	"strings"
)

const (
	exclusivePrefix = "ex"
	sharedPrefix    = "sh"
)

// policy captures how a lock kind decides ownership among the
// sequence-ordered children of the parent node. Two instances exist,
// one per lock kind; both are consumed by the same Lock machinery.
type policy struct {
	kind   string
	prefix string

	// owned reports whether the child named self holds the lock.
	owned func(children []string, self string) bool

	// blocker returns the sibling whose deletion can promote self, or
	// "" when no sibling blocks it.
	blocker func(children []string, self string) string

	// acquirable reports whether a hypothetical new requester would be
	// granted the lock against the given children.
	acquirable func(children []string) bool

	// ownerNode returns the child currently considered the owner, or "".
	ownerNode func(children []string) string
}

// The holder of an exclusive lock is the child with the smallest
// sequence, regardless of prefix. The blocking predecessor is the
// immediate predecessor in sequence order.
var exclusivePolicy = policy{
	kind:   "exclusive",
	prefix: exclusivePrefix,
	owned: func(children []string, self string) bool {
		return len(children) > 0 && children[0] == self
	},
	blocker: func(children []string, self string) string {
		prev := ""
		for _, child := range children {
			if child == self {
				return prev
			}
			prev = child
		}
		return ""
	},
	acquirable: func(children []string) bool {
		return len(children) == 0
	},
	ownerNode: func(children []string) string {
		if len(children) == 0 {
			return ""
		}
		return children[0]
	},
}

// A shared holder requires only that no exclusive request precede it;
// shared siblings ahead of it do not block it.
var sharedPolicy = policy{
	kind:   "shared",
	prefix: sharedPrefix,
	owned: func(children []string, self string) bool {
		for _, child := range children {
			if child == self {
				return true
			}
			if strings.HasPrefix(child, exclusivePrefix) {
				return false
			}
		}
		return false
	},
	blocker: func(children []string, self string) string {
		blocker := ""
		for _, child := range children {
			if child == self {
				return blocker
			}
			if strings.HasPrefix(child, exclusivePrefix) {
				blocker = child
			}
		}
		return ""
	},
	acquirable: func(children []string) bool {
		for _, child := range children {
			if strings.HasPrefix(child, exclusivePrefix) {
				return false
			}
		}
		return true
	},
	ownerNode: func(children []string) string {
		for _, child := range children {
			if strings.HasPrefix(child, exclusivePrefix) {
				return child
			}
		}
		if len(children) > 0 {
			return children[0]
		}
		return ""
	},
}

// parseSeq extracts the server-assigned sequence from a child basename.
// Ordering among requesters is determined solely by this trailing
// integer.
func parseSeq(name string) (int64, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, false
	}
	var seq int64
	for _, c := range name[i:] {
		seq = seq*10 + int64(c-'0')
	}
	return seq, true
}

// sortBySeq filters the given basenames down to sequential request
// nodes and orders them by sequence number.
func sortBySeq(children []string) []string {
	sorted := make([]string, 0, len(children))
	for _, child := range children {
		if _, ok := parseSeq(child); ok {
			sorted = append(sorted, child)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, _ := parseSeq(sorted[i])
		b, _ := parseSeq(sorted[j])
		return a < b
	})
	return sorted
}
