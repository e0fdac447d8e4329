// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catchUpTestSettings() CatchUpSubscriptionSettings {
	s := DefaultCatchUpSubscriptionSettings()
	s.ReadBatchSize = 2 // force multiple historical batches
	return s
}

func TestCatchUpSettingsValidation(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)

	noop := func(*CatchUpSubscription, *ResolvedEvent) error { return nil }

	s := DefaultCatchUpSubscriptionSettings()
	s.ReadBatchSize = maxReadSliceSize
	_, err := conn.SubscribeToStreamFrom("s", nil, s, noop, nil, nil, nil)
	assert.Error(t, err)

	s = DefaultCatchUpSubscriptionSettings()
	s.MaxLiveQueueSize = 0
	_, err = conn.SubscribeToStreamFrom("s", nil, s, noop, nil, nil, nil)
	assert.Error(t, err)

	_, err = conn.SubscribeToStreamFrom("s", nil, DefaultCatchUpSubscriptionSettings(), nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestCatchUpReplaysHistoryThenGoesLive(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	for i := 0; i < 5; i++ {
		_, err := conn.AppendToStream(ctx, "journal", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
		require.NoError(t, err)
	}

	sub, err := conn.SubscribeToStreamFrom("journal", nil, catchUpTestSettings(),
		func(_ *CatchUpSubscription, event *ResolvedEvent) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		},
		func(*CatchUpSubscription) {
			rec.livec <- struct{}{}
		},
		func(_ *CatchUpSubscription, reason SubscriptionDropReason, _ error) {
			rec.onDrop(reason)
		}, nil)
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	// All of history arrives, then the live transition fires.
	rec.awaitEvents(t, 5)
	select {
	case <-rec.livec:
	case <-time.After(5 * time.Second):
		t.Fatal("live processing never started")
	}

	// Live events continue the sequence.
	for i := 0; i < 3; i++ {
		_, err := conn.AppendToStream(ctx, "journal", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
		require.NoError(t, err)
	}
	rec.awaitEvents(t, 8)

	seen := rec.seen()
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7}, seen)
	assert.Equal(t, int64(7), sub.LastProcessedEventNumber())
}

func TestCatchUpFromCheckpointSkipsProcessedEvents(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	for i := 0; i < 6; i++ {
		_, err := conn.AppendToStream(ctx, "journal", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
		require.NoError(t, err)
	}

	checkpoint := int64(2)
	sub, err := conn.SubscribeToStreamFrom("journal", &checkpoint, catchUpTestSettings(),
		func(_ *CatchUpSubscription, event *ResolvedEvent) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		}, nil,
		func(_ *CatchUpSubscription, reason SubscriptionDropReason, _ error) {
			rec.onDrop(reason)
		}, nil)
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	rec.awaitEvents(t, 3)
	assert.Equal(t, []int64{3, 4, 5}, rec.seen())
}

func TestCatchUpOnEmptyStreamGoesLiveImmediately(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	sub, err := conn.SubscribeToStreamFrom("empty", nil, catchUpTestSettings(),
		func(_ *CatchUpSubscription, event *ResolvedEvent) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		},
		func(*CatchUpSubscription) { rec.livec <- struct{}{} },
		nil, nil)
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	select {
	case <-rec.livec:
	case <-time.After(5 * time.Second):
		t.Fatal("live processing never started")
	}

	_, err = conn.AppendToStream(ctx, "empty", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
	require.NoError(t, err)
	rec.awaitEvents(t, 1)
	assert.Equal(t, []int64{0}, rec.seen())
}

func TestCatchUpAllReplaysLogInPositionOrder(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	for i := 0; i < 4; i++ {
		stream := fmt.Sprintf("s-%d", i%2)
		_, err := conn.AppendToStream(ctx, stream, ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
		require.NoError(t, err)
	}

	posc := make(chan Position, 16)
	sub, err := conn.SubscribeToAllFrom(nil, catchUpTestSettings(),
		func(_ *CatchUpSubscription, event *ResolvedEvent) error {
			posc <- *event.OriginalPosition
			return nil
		}, nil, nil, nil)
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	var positions []Position
	for len(positions) < 4 {
		select {
		case p := <-posc:
			positions = append(positions, p)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, saw %d events", len(positions))
		}
	}

	for i := 1; i < len(positions); i++ {
		assert.True(t, positions[i].After(positions[i-1]), "positions out of order: %v", positions)
	}
}

func TestCatchUpHandlerErrorDropsWithHandlerException(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	_, err := conn.AppendToStream(ctx, "s", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
	require.NoError(t, err)

	sub, err := conn.SubscribeToStreamFrom("s", nil, catchUpTestSettings(),
		func(_ *CatchUpSubscription, _ *ResolvedEvent) error {
			return fmt.Errorf("handler exploded")
		}, nil,
		func(_ *CatchUpSubscription, reason SubscriptionDropReason, _ error) {
			rec.onDrop(reason)
		}, nil)
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	rec.awaitDrop(t)
	assert.Equal(t, []SubscriptionDropReason{SubscriptionDropEventHandlerException}, rec.droppedReasons())
}

func TestCatchUpStopFiresUserInitiatedDropOnce(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	rec := newRecorder()

	sub, err := conn.SubscribeToStreamFrom("s", nil, catchUpTestSettings(),
		func(_ *CatchUpSubscription, event *ResolvedEvent) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		}, nil,
		func(_ *CatchUpSubscription, reason SubscriptionDropReason, _ error) {
			rec.onDrop(reason)
		}, nil)
	require.NoError(t, err)

	require.NoError(t, sub.StopWait(5*time.Second))
	require.NoError(t, sub.Stop())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []SubscriptionDropReason{SubscriptionDropUserInitiated}, rec.droppedReasons())
}

func TestCatchUpAcrossReconnectHasNoGapsOrDuplicates(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	reconnected := make(chan struct{}, 4)
	conn.OnConnected(func(*net.TCPAddr) {
		reconnected <- struct{}{}
	})

	for i := 0; i < 4; i++ {
		_, err := conn.AppendToStream(ctx, "journal", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
		require.NoError(t, err)
	}

	sub, err := conn.SubscribeToStreamFrom("journal", nil, catchUpTestSettings(),
		func(_ *CatchUpSubscription, event *ResolvedEvent) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		},
		func(*CatchUpSubscription) {
			select {
			case rec.livec <- struct{}{}:
			default:
			}
		},
		func(_ *CatchUpSubscription, reason SubscriptionDropReason, _ error) {
			rec.onDrop(reason)
		}, nil)
	require.NoError(t, err)
	defer func() { _ = sub.Stop() }()

	rec.awaitEvents(t, 4)

	// Sever the connection; the driver reconnects and the catch-up
	// subscription re-reads from its last processed event.
	store.killConnections()
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}

	for i := 0; i < 3; i++ {
		_, err := conn.AppendToStream(ctx, "journal", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
		require.NoError(t, err)
	}

	rec.awaitEvents(t, 7)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6}, rec.seen())
	assert.Empty(t, rec.droppedReasons())
}
