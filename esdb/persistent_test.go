// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentSubscriptionAutoAcksProcessedEvents(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	sub, err := conn.ConnectToPersistentSubscription(ctx, "jobs", "workers", PersistentSubscriptionOptions{},
		func(_ *PersistentSubscription, event *ResolvedEvent, _ int) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		},
		func(_ *PersistentSubscription, reason SubscriptionDropReason, _ error) {
			rec.onDrop(reason)
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, "jobs", sub.Stream())
	assert.Equal(t, "workers", sub.Group())

	_, err = conn.AppendToStream(ctx, "jobs", ExpectedVersionAny, []EventData{jsonEvent("job", `{}`)}, nil)
	require.NoError(t, err)

	rec.awaitEvents(t, 1)

	// Auto-ack reports the processed event id back to the server.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.ackedIDs()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	acked := store.ackedIDs()
	require.Len(t, acked, 1)
	assert.NotEqual(t, uuid.Nil, acked[0])
}

func TestPersistentSubscriptionNaksOnHandlerError(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	_, err := conn.ConnectToPersistentSubscription(ctx, "jobs", "workers", PersistentSubscriptionOptions{},
		func(_ *PersistentSubscription, _ *ResolvedEvent, _ int) error {
			return fmt.Errorf("cannot process")
		}, nil, nil)
	require.NoError(t, err)

	_, err = conn.AppendToStream(ctx, "jobs", ExpectedVersionAny, []EventData{jsonEvent("job", `{}`)}, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.nakRecords()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	naks := store.nakRecords()
	require.Len(t, naks, 1)
	assert.Equal(t, "handler-exception", naks[0].message)
	assert.Equal(t, NakActionUnknown, naks[0].action)
	require.Len(t, naks[0].ids, 1)
	assert.Empty(t, store.ackedIDs())
}

func TestPersistentSubscriptionAutoAckOverridePerConsumer(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store) // connection-wide auto-ack stays enabled
	ctx := testContext(t)
	rec := newRecorder()

	autoAck := false
	_, err := conn.ConnectToPersistentSubscription(ctx, "jobs", "workers",
		PersistentSubscriptionOptions{AutoAck: &autoAck},
		func(_ *PersistentSubscription, event *ResolvedEvent, _ int) error {
			rec.onEventNumber(event.OriginalEventNumber())
			return nil
		}, nil, nil)
	require.NoError(t, err)

	_, err = conn.AppendToStream(ctx, "jobs", ExpectedVersionAny, []EventData{jsonEvent("job", `{}`)}, nil)
	require.NoError(t, err)

	rec.awaitEvents(t, 1)

	// The per-consumer override wins over the connection default: nothing is
	// acknowledged on the consumer's behalf.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, store.ackedIDs())
}

func TestPersistentSubscriptionHandlerErrorNakPolicy(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	_, err := conn.ConnectToPersistentSubscription(ctx, "jobs", "workers",
		PersistentSubscriptionOptions{
			HandlerErrorNakAction:  NakActionPark,
			HandlerErrorNakMessage: "poison-pill",
		},
		func(_ *PersistentSubscription, _ *ResolvedEvent, _ int) error {
			return fmt.Errorf("cannot process")
		}, nil, nil)
	require.NoError(t, err)

	_, err = conn.AppendToStream(ctx, "jobs", ExpectedVersionAny, []EventData{jsonEvent("job", `{}`)}, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.nakRecords()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	naks := store.nakRecords()
	require.Len(t, naks, 1)
	assert.Equal(t, NakActionPark, naks[0].action)
	assert.Equal(t, "poison-pill", naks[0].message)
	assert.Empty(t, store.ackedIDs())
}

func TestPersistentSubscriptionExplicitAckAndNak(t *testing.T) {
	store := startFakeEventStore(t)
	settings, err := NewSettingsBuilder().
		Address(store.address()).
		PersistentSubscriptionAutoAck(false).
		Build()
	require.NoError(t, err)
	conn, err := Connect(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := testContext(t)
	events := make(chan *ResolvedEvent, 16)

	sub, err := conn.ConnectToPersistentSubscription(ctx, "jobs", "workers", PersistentSubscriptionOptions{},
		func(_ *PersistentSubscription, event *ResolvedEvent, _ int) error {
			events <- event
			return nil
		}, nil, nil)
	require.NoError(t, err)

	_, err = conn.AppendToStream(ctx, "jobs", ExpectedVersionAny, []EventData{jsonEvent("job", `{}`)}, nil)
	require.NoError(t, err)

	var event *ResolvedEvent
	select {
	case event = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	// Nothing acknowledged until the caller says so.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, store.ackedIDs())

	require.NoError(t, sub.Acknowledge(event))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.ackedIDs()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, store.ackedIDs(), 1)
	assert.Equal(t, event.OriginalEvent().EventID, store.ackedIDs()[0])

	require.NoError(t, sub.Fail(NakActionPark, "poison", event))
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.nakRecords()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	naks := store.nakRecords()
	require.Len(t, naks, 1)
	assert.Equal(t, NakActionPark, naks[0].action)
	assert.Equal(t, "poison", naks[0].message)
}

func TestPersistentSubscriptionStopFiresUserInitiatedDrop(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)
	rec := newRecorder()

	sub, err := conn.ConnectToPersistentSubscription(ctx, "jobs", "workers", PersistentSubscriptionOptions{},
		func(_ *PersistentSubscription, _ *ResolvedEvent, _ int) error { return nil },
		func(_ *PersistentSubscription, reason SubscriptionDropReason, _ error) {
			rec.onDrop(reason)
		}, nil)
	require.NoError(t, err)

	require.NoError(t, sub.Stop())
	rec.awaitDrop(t)
	assert.Equal(t, []SubscriptionDropReason{SubscriptionDropUserInitiated}, rec.droppedReasons())
}

func TestCreateAndDeletePersistentSubscriptionValidation(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	err := conn.CreatePersistentSubscription(ctx, "", "g", DefaultPersistentSubscriptionSettings(), nil)
	assert.Error(t, err)
	err = conn.CreatePersistentSubscription(ctx, "s", "", DefaultPersistentSubscriptionSettings(), nil)
	assert.Error(t, err)
	err = conn.DeletePersistentSubscription(ctx, "s", "", nil)
	assert.Error(t, err)
}
