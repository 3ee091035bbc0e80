// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

package zkcoord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination/memory"
)

func TestClientDefaults(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	client := NewClient(conn)

	l, err := client.NewExclusiveLock("foo")
	assert.NoError(t, err)
	assert.NoError(t, l.Lock(ctx))
	assert.Equal(t, "/_zklocking/foo/ex0000000000", l.LockPath())

	candidate, err := client.NewCandidate("2012")
	assert.NoError(t, err)
	assert.NoError(t, candidate.Vote(ctx))
	assert.Equal(t, "/_zkelection/2012/ex0000000000", candidate.VotePath())
}

func TestClientRoots(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	client := NewClient(conn,
		WithLockRoot("/locks"),
		WithElectionRoot("/elections"))

	l, err := client.NewSharedLock("foo")
	assert.NoError(t, err)
	assert.NoError(t, l.Lock(ctx))
	assert.Equal(t, "/locks/foo/sh0000000000", l.LockPath())

	candidate, err := client.NewCandidate("2012")
	assert.NoError(t, err)
	assert.NoError(t, candidate.Vote(ctx))
	assert.Equal(t, "/elections/2012/ex0000000000", candidate.VotePath())
}
