// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
)

func TestCreateAndGet(t *testing.T) {
	service := NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	assert.NoError(t, conn.EnsurePath(ctx, "/a/b"))

	path, err := conn.Create(ctx, "/a/b/c", []byte("hello"), coordination.Persistent)
	assert.NoError(t, err)
	assert.Equal(t, "/a/b/c", path)

	data, stat, err := conn.Get(ctx, "/a/b/c")
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, stat.Exists)

	_, err = conn.Create(ctx, "/a/b/c", nil, coordination.Persistent)
	assert.True(t, coordination.IsNodeExists(err))

	_, err = conn.Create(ctx, "/missing/child", nil, coordination.Persistent)
	assert.True(t, coordination.IsNoNode(err))
}

func TestSequentialNaming(t *testing.T) {
	service := NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	assert.NoError(t, conn.EnsurePath(ctx, "/queue"))

	first, err := conn.Create(ctx, "/queue/ex", nil, coordination.EphemeralSequential)
	assert.NoError(t, err)
	assert.Equal(t, "/queue/ex0000000000", first)

	second, err := conn.Create(ctx, "/queue/sh", nil, coordination.EphemeralSequential)
	assert.NoError(t, err)
	assert.Equal(t, "/queue/sh0000000001", second)

	// The counter does not reuse sequence numbers after deletion.
	assert.NoError(t, conn.Delete(ctx, first))
	third, err := conn.Create(ctx, "/queue/ex", nil, coordination.EphemeralSequential)
	assert.NoError(t, err)
	assert.Equal(t, "/queue/ex0000000002", third)
}

func TestDeleteNotEmpty(t *testing.T) {
	service := NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	assert.NoError(t, conn.EnsurePath(ctx, "/parent"))
	_, err := conn.Create(ctx, "/parent/child", nil, coordination.Persistent)
	assert.NoError(t, err)

	err = conn.Delete(ctx, "/parent")
	assert.True(t, coordination.IsNotEmpty(err))

	assert.NoError(t, conn.Delete(ctx, "/parent/child"))
	assert.NoError(t, conn.Delete(ctx, "/parent"))
	err = conn.Delete(ctx, "/parent")
	assert.True(t, coordination.IsNoNode(err))
}

func TestEphemeralsDieWithSession(t *testing.T) {
	service := NewService()
	defer service.Stop()
	owner := service.NewSession()
	other := service.NewSession()
	defer other.Close()

	ctx := context.Background()
	assert.NoError(t, owner.EnsurePath(ctx, "/locks"))
	_, err := owner.Create(ctx, "/locks/ex", nil, coordination.EphemeralSequential)
	assert.NoError(t, err)
	_, err = owner.Create(ctx, "/locks/pin", nil, coordination.Ephemeral)
	assert.NoError(t, err)

	owner.Expire()

	assert.False(t, owner.Connected())
	select {
	case <-owner.SessionLost():
	default:
		t.Fatal("session-lost channel not closed")
	}

	children, err := other.Children(ctx, "/locks")
	assert.NoError(t, err)
	assert.Empty(t, children)

	_, err = owner.Exists(ctx, "/locks")
	assert.True(t, coordination.IsInterruptedSession(err))
}

func TestCtimeChangesOnRecreate(t *testing.T) {
	service := NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	assert.NoError(t, conn.EnsurePath(ctx, "/node"))
	before, err := conn.Stat(ctx, "/node")
	assert.NoError(t, err)

	assert.NoError(t, conn.Delete(ctx, "/node"))
	assert.NoError(t, conn.EnsurePath(ctx, "/node"))
	after, err := conn.Stat(ctx, "/node")
	assert.NoError(t, err)

	assert.True(t, after.Ctime > before.Ctime)
}

func TestWatchEventsInOrder(t *testing.T) {
	service := NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	events := make(chan coordination.Event, 16)
	cancel := conn.Register("/watched", func(e coordination.Event) {
		events <- e
	})
	defer cancel()

	_, err := conn.Create(ctx, "/watched", nil, coordination.Persistent)
	assert.NoError(t, err)
	assert.NoError(t, conn.Delete(ctx, "/watched"))
	_, err = conn.Create(ctx, "/watched", nil, coordination.Persistent)
	assert.NoError(t, err)

	expected := []coordination.EventType{
		coordination.EventCreated,
		coordination.EventDeleted,
		coordination.EventCreated,
	}
	for _, want := range expected {
		select {
		case e := <-events:
			assert.Equal(t, want, e.Type)
			assert.Equal(t, "/watched", e.Path)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestRegisterCancel(t *testing.T) {
	service := NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	events := make(chan coordination.Event, 16)
	cancel := conn.Register("/gone", func(e coordination.Event) {
		events <- e
	})
	cancel()

	_, err := conn.Create(ctx, "/gone", nil, coordination.Persistent)
	assert.NoError(t, err)

	select {
	case <-events:
		t.Fatal("event delivered after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}
