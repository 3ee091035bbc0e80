// SPDX-FileCopyrightText: 2024-present the zkcoord authors
//
// SPDX-License-Identifier: Apache-2.0

package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination/memory"
)

func TestImmediateWinner(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	candidate, err := NewCandidate(conn, "2012", WithData([]byte("obama")))
	assert.NoError(t, err)

	won := false
	candidate.OnWinningElection(func() {
		won = true
	})

	assert.NoError(t, candidate.Vote(ctx))
	assert.True(t, won)
	assert.Equal(t, "/_zkelection/2012/ex0000000000", candidate.VotePath())

	leader, err := candidate.IsLeader(ctx)
	assert.NoError(t, err)
	assert.True(t, leader)

	acked, err := candidate.LeaderAcked(ctx)
	assert.NoError(t, err)
	assert.True(t, acked)

	data, _, err := conn.Get(ctx, "/_zkelection/2012/leader_ack")
	assert.NoError(t, err)
	assert.Equal(t, "obama", string(data))
}

func TestAckGatesLosers(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	connObama := service.NewSession()
	defer connObama.Close()
	connPalin := service.NewSession()
	defer connPalin.Close()

	ctx := context.Background()
	obama, err := NewCandidate(connObama, "2012", WithData([]byte("obama")))
	assert.NoError(t, err)
	palin, err := NewCandidate(connPalin, "2012", WithData([]byte("palin")))
	assert.NoError(t, err)

	gate := make(chan struct{})
	obama.OnWinningElection(func() {
		<-gate
	})
	palinLost := make(chan struct{}, 1)
	palin.OnLosingElection(func() {
		palinLost <- struct{}{}
	})

	voted := make(chan error, 1)
	go func() {
		voted <- obama.Vote(ctx)
	}()
	assert.Eventually(t, func() bool {
		return obama.VotePath() != ""
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(t, palin.Vote(ctx))

	// The winner has not finished its callbacks, so the loser must not
	// have been notified yet.
	select {
	case <-palinLost:
		t.Fatal("losing callback fired before the leader acked")
	case <-time.After(100 * time.Millisecond):
	}
	acked, err := palin.LeaderAcked(ctx)
	assert.NoError(t, err)
	assert.False(t, acked)

	close(gate)
	assert.NoError(t, <-voted)

	select {
	case <-palinLost:
	case <-time.After(5 * time.Second):
		t.Fatal("losing callback did not fire after the ack")
	}

	data, _, err := connPalin.Get(ctx, "/_zkelection/2012/leader_ack")
	assert.NoError(t, err)
	assert.Equal(t, "obama", string(data))

	leader, err := palin.IsLeader(ctx)
	assert.NoError(t, err)
	assert.False(t, leader)
}

func TestLeaderFailover(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	connObama := service.NewSession()
	connPalin := service.NewSession()
	defer connPalin.Close()

	ctx := context.Background()
	obama, err := NewCandidate(connObama, "2012", WithData([]byte("obama")))
	assert.NoError(t, err)
	palin, err := NewCandidate(connPalin, "2012", WithData([]byte("palin")))
	assert.NoError(t, err)

	palinWon := make(chan struct{}, 1)
	palin.OnWinningElection(func() {
		palinWon <- struct{}{}
	})
	palinLost := make(chan struct{}, 1)
	palin.OnLosingElection(func() {
		palinLost <- struct{}{}
	})

	assert.NoError(t, obama.Vote(ctx))
	assert.NoError(t, palin.Vote(ctx))

	select {
	case <-palinLost:
	case <-time.After(5 * time.Second):
		t.Fatal("losing callback did not fire")
	}

	// The leader's session ends; the follower is promoted, runs its
	// winning callbacks, and publishes its own ack.
	connObama.Expire()

	select {
	case <-palinWon:
	case <-time.After(5 * time.Second):
		t.Fatal("follower was not promoted")
	}
	assert.Eventually(t, func() bool {
		acked, err := palin.LeaderAcked(ctx)
		return err == nil && acked
	}, 5*time.Second, 10*time.Millisecond)

	data, _, err := connPalin.Get(ctx, "/_zkelection/2012/leader_ack")
	assert.NoError(t, err)
	assert.Equal(t, "palin", string(data))

	leader, err := palin.IsLeader(ctx)
	assert.NoError(t, err)
	assert.True(t, leader)
}

func TestIntermediateFollowerPromotion(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	conn1 := service.NewSession()
	conn2 := service.NewSession()
	conn3 := service.NewSession()
	defer conn3.Close()

	ctx := context.Background()
	first, err := NewCandidate(conn1, "club", WithData([]byte("first")))
	assert.NoError(t, err)
	second, err := NewCandidate(conn2, "club", WithData([]byte("second")))
	assert.NoError(t, err)
	third, err := NewCandidate(conn3, "club", WithData([]byte("third")))
	assert.NoError(t, err)

	thirdWon := make(chan struct{}, 1)
	third.OnWinningElection(func() {
		thirdWon <- struct{}{}
	})

	assert.NoError(t, first.Vote(ctx))
	assert.NoError(t, second.Vote(ctx))
	assert.NoError(t, third.Vote(ctx))

	// The middle candidate dies before it ever led; the last candidate
	// walks forward and keeps waiting on the leader.
	conn2.Expire()
	select {
	case <-thirdWon:
		t.Fatal("candidate won while the leader was still alive")
	case <-time.After(200 * time.Millisecond):
	}

	conn1.Expire()
	select {
	case <-thirdWon:
	case <-time.After(5 * time.Second):
		t.Fatal("candidate was not promoted after the queue drained")
	}
}

func TestWinnerPanicStillAcks(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	candidate, err := NewCandidate(conn, "2012", WithData([]byte("obama")))
	assert.NoError(t, err)
	candidate.OnWinningElection(func() {
		panic("initialization failed")
	})

	assert.NoError(t, candidate.Vote(ctx))

	acked, err := candidate.LeaderAcked(ctx)
	assert.NoError(t, err)
	assert.True(t, acked)
}

func TestCloseRemovesVoteAndAck(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	candidate, err := NewCandidate(conn, "2012", WithData([]byte("obama")))
	assert.NoError(t, err)
	assert.NoError(t, candidate.Vote(ctx))
	votePath := candidate.VotePath()

	assert.NoError(t, candidate.Close(ctx))

	exists, err := conn.Exists(ctx, votePath)
	assert.NoError(t, err)
	assert.False(t, exists)
	exists, err = conn.Exists(ctx, "/_zkelection/2012/leader_ack")
	assert.NoError(t, err)
	assert.False(t, exists)

	err = candidate.Vote(ctx)
	assert.ErrorIs(t, err, coordination.ErrBadArguments)
}

func TestDoubleVoteRejected(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	ctx := context.Background()
	candidate, err := NewCandidate(conn, "2012")
	assert.NoError(t, err)
	assert.NoError(t, candidate.Vote(ctx))
	err = candidate.Vote(ctx)
	assert.ErrorIs(t, err, coordination.ErrBadArguments)
}

func TestObserverTransitions(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	connLeader := service.NewSession()
	connObs := service.NewSession()
	defer connObs.Close()

	ctx := context.Background()
	observer, err := NewObserver(connObs, "2012")
	assert.NoError(t, err)

	transitions := make(chan string, 16)
	observer.OnNewLeader(func() {
		transitions <- "new:" + string(observer.LeaderData())
	})
	observer.OnLeadersDeath(func() {
		transitions <- "death"
	})

	assert.NoError(t, observer.Observe(ctx))

	// No ack exists yet; the initial state is a death notification.
	select {
	case got := <-transitions:
		assert.Equal(t, "death", got)
	case <-time.After(5 * time.Second):
		t.Fatal("initial transition did not fire")
	}
	alive, known := observer.LeaderAlive()
	assert.True(t, known)
	assert.False(t, alive)

	leader, err := NewCandidate(connLeader, "2012", WithData([]byte("obama")))
	assert.NoError(t, err)
	assert.NoError(t, leader.Vote(ctx))

	select {
	case got := <-transitions:
		assert.Equal(t, "new:obama", got)
	case <-time.After(5 * time.Second):
		t.Fatal("new-leader transition did not fire")
	}
	alive, known = observer.LeaderAlive()
	assert.True(t, known)
	assert.True(t, alive)
	assert.Equal(t, "obama", string(observer.LeaderData()))

	connLeader.Expire()
	select {
	case got := <-transitions:
		assert.Equal(t, "death", got)
	case <-time.After(5 * time.Second):
		t.Fatal("leader-death transition did not fire")
	}
	alive, known = observer.LeaderAlive()
	assert.True(t, known)
	assert.False(t, alive)

	assert.NoError(t, observer.Close())
}

func TestObserverSeesFailover(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	connObama := service.NewSession()
	connPalin := service.NewSession()
	defer connPalin.Close()
	connObs := service.NewSession()
	defer connObs.Close()

	ctx := context.Background()
	obama, err := NewCandidate(connObama, "2012", WithData([]byte("obama")))
	assert.NoError(t, err)
	palin, err := NewCandidate(connPalin, "2012", WithData([]byte("palin")))
	assert.NoError(t, err)

	assert.NoError(t, obama.Vote(ctx))
	assert.NoError(t, palin.Vote(ctx))

	observer, err := NewObserver(connObs, "2012")
	assert.NoError(t, err)
	transitions := make(chan string, 16)
	observer.OnNewLeader(func() {
		transitions <- "new:" + string(observer.LeaderData())
	})
	observer.OnLeadersDeath(func() {
		transitions <- "death"
	})
	assert.NoError(t, observer.Observe(ctx))

	select {
	case got := <-transitions:
		assert.Equal(t, "new:obama", got)
	case <-time.After(5 * time.Second):
		t.Fatal("initial leader was not observed")
	}

	connObama.Expire()

	// Death of the old generation, then the new leader, in order.
	select {
	case got := <-transitions:
		assert.Equal(t, "death", got)
	case <-time.After(5 * time.Second):
		t.Fatal("leader death was not observed")
	}
	select {
	case got := <-transitions:
		assert.Equal(t, "new:palin", got)
	case <-time.After(5 * time.Second):
		t.Fatal("new leader was not observed")
	}
	assert.Equal(t, "palin", string(observer.LeaderData()))
}

func TestObserverDedupes(t *testing.T) {
	service := memory.NewService()
	defer service.Stop()
	conn := service.NewSession()
	defer conn.Close()

	observer, err := NewObserver(conn, "2012")
	assert.NoError(t, err)
	transitions := make(chan string, 16)
	observer.OnNewLeader(func() {
		transitions <- "new"
	})
	observer.OnLeadersDeath(func() {
		transitions <- "death"
	})
	assert.NoError(t, observer.Observe(context.Background()))

	select {
	case got := <-transitions:
		assert.Equal(t, "death", got)
	case <-time.After(5 * time.Second):
		t.Fatal("initial transition did not fire")
	}

	// Only one death notification for one generation, no matter how
	// often the state is re-observed.
	select {
	case got := <-transitions:
		t.Fatalf("unexpected duplicate transition %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}
