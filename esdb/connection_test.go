// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func jsonEvent(eventType, body string) EventData {
	return EventData{Type: eventType, IsJSON: true, Data: []byte(body)}
}

func TestAppendThenReadForwardReturnsEventsInOrder(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	var events []EventData
	for i := 0; i < 5; i++ {
		events = append(events, jsonEvent("numbered", fmt.Sprintf(`{"n":%d}`, i)))
	}

	result, err := conn.AppendToStream(ctx, "orders-1", ExpectedVersionNoStream, events, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.NextExpectedVersion)

	slice, err := conn.ReadStreamEventsForward(ctx, "orders-1", 0, 100, false, nil)
	require.NoError(t, err)
	assert.Equal(t, SliceReadSuccess, slice.Status)
	require.Len(t, slice.Events, 5)
	for i, ev := range slice.Events {
		assert.Equal(t, int64(i), ev.OriginalEventNumber())
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(ev.OriginalEvent().Data))
	}
	assert.True(t, slice.IsEndOfStream)
}

func TestAppendWrongExpectedVersion(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	_, err := conn.AppendToStream(ctx, "s", ExpectedVersionNoStream, []EventData{jsonEvent("e", `{}`)}, nil)
	require.NoError(t, err)

	_, err = conn.AppendToStream(ctx, "s", ExpectedVersionNoStream, []EventData{jsonEvent("e", `{}`)}, nil)
	var wrongVersion WrongExpectedVersionError
	require.ErrorAs(t, err, &wrongVersion)
	assert.Equal(t, "s", wrongVersion.Stream)
}

func TestAppendToDeletedStream(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	_, err := conn.AppendToStream(ctx, "s", ExpectedVersionNoStream, []EventData{jsonEvent("e", `{}`)}, nil)
	require.NoError(t, err)
	_, err = conn.DeleteStream(ctx, "s", 0, true, nil)
	require.NoError(t, err)

	_, err = conn.AppendToStream(ctx, "s", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
	var deleted StreamDeletedError
	require.ErrorAs(t, err, &deleted)
	assert.Equal(t, "s", deleted.Stream)
}

func TestReadAllForwardSeesEveryStream(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	_, err := conn.AppendToStream(ctx, "a", ExpectedVersionAny, []EventData{jsonEvent("e", `{"s":"a"}`)}, nil)
	require.NoError(t, err)
	_, err = conn.AppendToStream(ctx, "b", ExpectedVersionAny, []EventData{jsonEvent("e", `{"s":"b"}`)}, nil)
	require.NoError(t, err)

	slice, err := conn.ReadAllEventsForward(ctx, StartPosition, 100, false, nil)
	require.NoError(t, err)
	require.Len(t, slice.Events, 2)
	assert.Equal(t, "a", slice.Events[0].OriginalStreamID())
	assert.Equal(t, "b", slice.Events[1].OriginalStreamID())
	assert.True(t, slice.Events[1].OriginalPosition.After(*slice.Events[0].OriginalPosition))
}

func TestTransactionOnFreshStreamWithNoStream(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	txn, err := conn.StartTransaction(ctx, "fresh", ExpectedVersionNoStream, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Write(ctx, []EventData{jsonEvent("e1", `{"first":true}`)}))

	result, err := txn.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.NextExpectedVersion)

	slice, err := conn.ReadStreamEventsForward(ctx, "fresh", 0, 1, false, nil)
	require.NoError(t, err)
	require.Len(t, slice.Events, 1)
	assert.Equal(t, "e1", slice.Events[0].OriginalEvent().EventType)
}

func TestTransactionCommitWithWrongVersion(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	txn, err := conn.StartTransaction(ctx, "fresh", 100500, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Write(ctx, []EventData{jsonEvent("e", `{}`)}))

	_, err = txn.Commit(ctx)
	var wrongVersion WrongExpectedVersionError
	assert.ErrorAs(t, err, &wrongVersion)
}

func TestEmptyTransactionCommitOnFreshStream(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	txn, err := conn.StartTransaction(ctx, "fresh", ExpectedVersionNoStream, nil)
	require.NoError(t, err)

	result, err := txn.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), result.NextExpectedVersion)

	slice, err := conn.ReadStreamEventsForward(ctx, "fresh", 0, 100, false, nil)
	require.NoError(t, err)
	assert.Empty(t, slice.Events)
}

func TestStreamDeletedMidTransaction(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	txn, err := conn.StartTransaction(ctx, "doomed", ExpectedVersionNoStream, nil)
	require.NoError(t, err)
	require.NoError(t, txn.Write(ctx, []EventData{jsonEvent("e", `{}`)}))

	_, err = conn.DeleteStream(ctx, "doomed", ExpectedVersionNoStream, true, nil)
	require.NoError(t, err)

	_, err = txn.Commit(ctx)
	var deleted StreamDeletedError
	assert.ErrorAs(t, err, &deleted)
}

func TestParallelTransactionalAndPlainAppends(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	const perWriter = 100
	errc := make(chan error, 2)

	go func() {
		txn, err := conn.StartTransaction(ctx, "mixed", ExpectedVersionAny, nil)
		if err != nil {
			errc <- err
			return
		}
		for i := 0; i < perWriter; i++ {
			if err := txn.Write(ctx, []EventData{{Type: "txn", IsJSON: true, Data: []byte(`{}`), Metadata: []byte("txn")}}); err != nil {
				errc <- err
				return
			}
		}
		_, err = txn.Commit(ctx)
		errc <- err
	}()

	go func() {
		for i := 0; i < perWriter; i++ {
			if _, err := conn.AppendToStream(ctx, "mixed", ExpectedVersionAny, []EventData{{Type: "plain", IsJSON: true, Data: []byte(`{}`), Metadata: []byte("plain")}}, nil); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	require.NoError(t, <-errc)
	require.NoError(t, <-errc)

	slice, err := conn.ReadStreamEventsForward(ctx, "mixed", 0, 2*perWriter, false, nil)
	require.NoError(t, err)
	require.Len(t, slice.Events, 2*perWriter)

	var txnCount, plainCount int
	for _, ev := range slice.Events {
		switch string(ev.OriginalEvent().Metadata) {
		case "txn":
			txnCount++
		case "plain":
			plainCount++
		}
	}
	assert.Equal(t, perWriter, txnCount)
	assert.Equal(t, perWriter, plainCount)
}

func TestReadEvent(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	_, err := conn.AppendToStream(ctx, "s", ExpectedVersionNoStream,
		[]EventData{jsonEvent("first", `{}`), jsonEvent("second", `{}`)}, nil)
	require.NoError(t, err)

	res, err := conn.ReadEvent(ctx, "s", 1, false, nil)
	require.NoError(t, err)
	require.Equal(t, EventReadSuccess, res.Status)
	assert.Equal(t, "second", res.Event.OriginalEvent().EventType)

	res, err = conn.ReadEvent(ctx, "s", -1, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", res.Event.OriginalEvent().EventType)

	res, err = conn.ReadEvent(ctx, "missing", 0, false, nil)
	require.NoError(t, err)
	assert.Equal(t, EventReadNoStream, res.Status)
}

func TestSetThenGetStreamMetadataACLRoundTrip(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	maxCount := int64(100)
	in := StreamMetadata{
		MaxCount: &maxCount,
		ACL: &StreamACL{
			ReadRoles:  []string{"reader"},
			WriteRoles: []string{"writer-a", "writer-b"},
		},
	}

	_, err := conn.SetStreamMetadata(ctx, "orders", ExpectedVersionAny, in, nil)
	require.NoError(t, err)

	result, err := conn.GetStreamMetadata(ctx, "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.MetastreamVersion)

	out, err := result.Metadata()
	require.NoError(t, err)
	require.NotNil(t, out.MaxCount)
	assert.Equal(t, int64(100), *out.MaxCount)
	require.NotNil(t, out.ACL)
	assert.Equal(t, []string{"reader"}, out.ACL.ReadRoles)
	assert.Equal(t, []string{"writer-a", "writer-b"}, out.ACL.WriteRoles)
	assert.Nil(t, out.ACL.DeleteRoles)
}

func TestGetStreamMetadataOfUnknownStream(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)
	ctx := testContext(t)

	result, err := conn.GetStreamMetadata(ctx, "nothing-here", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), result.MetastreamVersion)
	assert.Empty(t, result.Raw)

	meta, err := result.Metadata()
	require.NoError(t, err)
	assert.Nil(t, meta.MaxCount)
}

func TestOperationAfterCloseFailsWithConnectionClosed(t *testing.T) {
	store := startFakeEventStore(t)
	conn := connectToFake(t, store)

	require.NoError(t, conn.Close())

	_, err := conn.AppendToStream(testContext(t), "s", ExpectedVersionAny, []EventData{jsonEvent("e", `{}`)}, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
