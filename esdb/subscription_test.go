// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects callback invocations across goroutines.
type recorder struct {
	mu      sync.Mutex
	numbers []int64
	reasons []SubscriptionDropReason
	livec   chan struct{}
	dropc   chan struct{}
	eventc  chan int64
}

func newRecorder() *recorder {
	return &recorder{
		livec:  make(chan struct{}, 1),
		dropc:  make(chan struct{}, 1),
		eventc: make(chan int64, 1024),
	}
}

func (r *recorder) onEventNumber(n int64) {
	r.mu.Lock()
	r.numbers = append(r.numbers, n)
	r.mu.Unlock()
	r.eventc <- n
}

func (r *recorder) onDrop(reason SubscriptionDropReason) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
	select {
	case r.dropc <- struct{}{}:
	default:
	}
}

func (r *recorder) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.numbers...)
}

func (r *recorder) droppedReasons() []SubscriptionDropReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SubscriptionDropReason(nil), r.reasons...)
}

func (r *recorder) awaitEvents(t *testing.T, n int) {
	t.Helper()
	for len(r.seen()) < n {
		select {
		case <-r.eventc:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %d events, saw %v", n, r.seen())
		}
	}
}

func (r *recorder) awaitDrop(t *testing.T) {
	t.Helper()
	select {
	case <-r.dropc:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drop")
	}
}

func assertStrictlyIncreasing(t *testing.T, numbers []int64) {
	t.Helper()
	for i := 1; i < len(numbers); i++ {
		require.Greater(t, numbers[i], numbers[i-1], "event numbers out of order: %v", numbers)
	}
}

func TestVolatileSubscriptionReceivesLiveEvents(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	sub, err := conn.SubscribeToStream(ctx, "live", false,
		func(_ *Subscription, event *ResolvedEvent) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		},
		func(_ *Subscription, reason SubscriptionDropReason, _ error) {
			rec.onDrop(reason)
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), sub.LastEventNumber())

	for i := 0; i < 3; i++ {
		_, err := conn.AppendToStream(ctx, "live", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
		require.NoError(t, err)
	}

	rec.awaitEvents(t, 3)
	assert.Equal(t, []int64{0, 1, 2}, rec.seen())
}

func TestVolatileSubscriptionIgnoresOtherStreams(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	_, err := conn.SubscribeToStream(ctx, "mine", false,
		func(_ *Subscription, event *ResolvedEvent) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		}, nil, nil)
	require.NoError(t, err)

	_, err = conn.AppendToStream(ctx, "other", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
	require.NoError(t, err)
	_, err = conn.AppendToStream(ctx, "mine", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
	require.NoError(t, err)

	rec.awaitEvents(t, 1)
	assert.Equal(t, []int64{0}, rec.seen())
}

func TestVolatileSubscriptionCloseFiresDropOnce(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	sub, err := conn.SubscribeToStream(ctx, "s", false,
		func(_ *Subscription, _ *ResolvedEvent) error { return nil },
		func(_ *Subscription, reason SubscriptionDropReason, _ error) { rec.onDrop(reason) }, nil)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	rec.awaitDrop(t)

	// A second close must not fire the callback again.
	require.NoError(t, sub.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []SubscriptionDropReason{SubscriptionDropUserInitiated}, rec.droppedReasons())
}

func TestVolatileSubscriptionHandlerErrorDropsWithHandlerException(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	_, err := conn.SubscribeToStream(ctx, "s", false,
		func(_ *Subscription, _ *ResolvedEvent) error {
			return fmt.Errorf("handler exploded")
		},
		func(_ *Subscription, reason SubscriptionDropReason, _ error) { rec.onDrop(reason) }, nil)
	require.NoError(t, err)

	_, err = conn.AppendToStream(ctx, "s", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
	require.NoError(t, err)

	rec.awaitDrop(t)
	assert.Equal(t, []SubscriptionDropReason{SubscriptionDropEventHandlerException}, rec.droppedReasons())
}

func TestVolatileSubscriptionDroppedOnConnectionClose(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	_, err := conn.SubscribeToStream(ctx, "s", false,
		func(_ *Subscription, _ *ResolvedEvent) error { return nil },
		func(_ *Subscription, reason SubscriptionDropReason, _ error) { rec.onDrop(reason) }, nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	rec.awaitDrop(t)
	assert.Equal(t, []SubscriptionDropReason{SubscriptionDropConnectionClosed}, rec.droppedReasons())
}
