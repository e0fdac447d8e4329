// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.evstore.io/tcp-driver/internal/protocol"
)

// fakeEventStore is an in-memory node speaking the framed package protocol,
// complete enough to exercise appends, deletes, reads, transactions and
// volatile subscriptions, including pushes to live subscribers.
type fakeEventStore struct {
	t        *testing.T
	listener net.Listener

	mu          sync.Mutex
	streams     map[string][]protocol.EventRecord
	deleted     map[string]bool
	log         []protocol.ResolvedEvent
	position    int64
	nextTxnID   int64
	txns        map[int64]*fakeTxn
	subscribers []*fakeSubscriber
	conns       []net.Conn
	acks        []uuid.UUID
	naks        []fakeNak
}

type fakeTxn struct {
	stream          string
	expectedVersion int64
	staged          []protocol.NewEvent
}

type fakeSubscriber struct {
	conn          net.Conn
	writeMu       *sync.Mutex
	correlationID uuid.UUID
	stream        string // empty = $all
	persistent    bool
	dropped       bool
}

type fakeNak struct {
	ids     []uuid.UUID
	message string
	action  protocol.NakAction
}

func startFakeEventStore(t *testing.T) *fakeEventStore {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeEventStore{
		t:        t,
		listener: l,
		streams:  make(map[string][]protocol.EventRecord),
		deleted:  make(map[string]bool),
		txns:     make(map[int64]*fakeTxn),
	}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *fakeEventStore) address() string {
	return s.listener.Addr().String()
}

func (s *fakeEventStore) close() {
	s.listener.Close()
	s.killConnections()
}

// killConnections severs every open channel, simulating a network fault.
func (s *fakeEventStore) killConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	for _, sub := range s.subscribers {
		sub.dropped = true
	}
	s.subscribers = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *fakeEventStore) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *fakeEventStore) serve(conn net.Conn) {
	writeMu := &sync.Mutex{}
	reply := func(cmd protocol.Command, correlationID uuid.UUID, payload []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		pkg := protocol.NewPackage(cmd, correlationID, "", "", payload)
		_ = protocol.WriteFrame(conn, pkg)
	}

	for {
		pkg, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}

		switch pkg.Command {
		case protocol.CmdIdentifyClient:
			reply(protocol.CmdClientIdentified, pkg.CorrelationID, nil)

		case protocol.CmdAuthenticate:
			reply(protocol.CmdAuthenticated, pkg.CorrelationID, nil)

		case protocol.CmdHeartbeatRequest:
			reply(protocol.CmdHeartbeatResponse, pkg.CorrelationID, nil)

		case protocol.CmdWriteEvents:
			var msg protocol.WriteEvents
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			out := s.appendEvents(msg.EventStreamID, msg.ExpectedVersion, msg.Events)
			reply(protocol.CmdWriteEventsCompleted, pkg.CorrelationID, out.Marshal())

		case protocol.CmdDeleteStream:
			var msg protocol.DeleteStream
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			out := s.deleteStream(msg.EventStreamID, msg.ExpectedVersion)
			reply(protocol.CmdDeleteStreamCompleted, pkg.CorrelationID, out.Marshal())

		case protocol.CmdTransactionStart:
			var msg protocol.TransactionStart
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			s.mu.Lock()
			id := s.nextTxnID
			s.nextTxnID++
			s.txns[id] = &fakeTxn{stream: msg.EventStreamID, expectedVersion: msg.ExpectedVersion}
			s.mu.Unlock()
			out := protocol.TransactionStartCompleted{TransactionID: id, Result: protocol.OperationSuccess}
			reply(protocol.CmdTransactionStartCompleted, pkg.CorrelationID, out.Marshal())

		case protocol.CmdTransactionWrite:
			var msg protocol.TransactionWrite
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			s.mu.Lock()
			txn := s.txns[msg.TransactionID]
			if txn != nil {
				txn.staged = append(txn.staged, msg.Events...)
			}
			s.mu.Unlock()
			out := protocol.TransactionWriteCompleted{TransactionID: msg.TransactionID, Result: protocol.OperationSuccess}
			reply(protocol.CmdTransactionWriteCompleted, pkg.CorrelationID, out.Marshal())

		case protocol.CmdTransactionCommit:
			var msg protocol.TransactionCommit
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			out := s.commitTransaction(msg.TransactionID)
			reply(protocol.CmdTransactionCommitCompleted, pkg.CorrelationID, out.Marshal())

		case protocol.CmdReadEvent:
			var msg protocol.ReadEvent
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			out := s.readEvent(msg.EventStreamID, msg.EventNumber)
			reply(protocol.CmdReadEventCompleted, pkg.CorrelationID, out.Marshal())

		case protocol.CmdReadStreamEventsForward:
			var msg protocol.ReadStreamEvents
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			out := s.readStreamForward(msg.EventStreamID, msg.FromEventNumber, msg.MaxCount)
			reply(protocol.CmdReadStreamEventsForwardCompleted, pkg.CorrelationID, out.Marshal())

		case protocol.CmdReadAllEventsForward:
			var msg protocol.ReadAllEvents
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			out := s.readAllForward(msg.CommitPosition, msg.MaxCount)
			reply(protocol.CmdReadAllEventsForwardCompleted, pkg.CorrelationID, out.Marshal())

		case protocol.CmdSubscribeToStream:
			var msg protocol.SubscribeToStream
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			s.mu.Lock()
			lastEventNumber := int64(-1)
			if msg.EventStreamID != "" {
				lastEventNumber = int64(len(s.streams[msg.EventStreamID])) - 1
			}
			confirmation := protocol.SubscriptionConfirmation{
				LastCommitPosition: s.position,
				LastEventNumber:    lastEventNumber,
			}
			s.subscribers = append(s.subscribers, &fakeSubscriber{
				conn:          conn,
				writeMu:       writeMu,
				correlationID: pkg.CorrelationID,
				stream:        msg.EventStreamID,
			})
			s.mu.Unlock()
			reply(protocol.CmdSubscriptionConfirmation, pkg.CorrelationID, confirmation.Marshal())

		case protocol.CmdConnectToPersistentSubscription:
			var msg protocol.ConnectToPersistentSubscription
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			s.mu.Lock()
			confirmation := protocol.PersistentSubscriptionConfirmation{
				LastCommitPosition: s.position,
				SubscriptionID:     msg.EventStreamID + "::" + msg.SubscriptionID,
				LastEventNumber:    int64(len(s.streams[msg.EventStreamID])) - 1,
			}
			s.subscribers = append(s.subscribers, &fakeSubscriber{
				conn:          conn,
				writeMu:       writeMu,
				correlationID: pkg.CorrelationID,
				stream:        msg.EventStreamID,
				persistent:    true,
			})
			s.mu.Unlock()
			reply(protocol.CmdPersistentSubscriptionConfirmation, pkg.CorrelationID, confirmation.Marshal())

		case protocol.CmdPersistentSubscriptionAckEvents:
			var msg protocol.PersistentSubscriptionAckEvents
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			s.mu.Lock()
			s.acks = append(s.acks, msg.ProcessedEventIDs...)
			s.mu.Unlock()

		case protocol.CmdPersistentSubscriptionNakEvents:
			var msg protocol.PersistentSubscriptionNakEvents
			require.NoError(s.t, msg.Unmarshal(pkg.Payload))
			s.mu.Lock()
			s.naks = append(s.naks, fakeNak{ids: msg.ProcessedEventIDs, message: msg.Message, action: msg.Action})
			s.mu.Unlock()

		case protocol.CmdUnsubscribeFromStream:
			s.mu.Lock()
			for _, sub := range s.subscribers {
				if sub.correlationID == pkg.CorrelationID {
					sub.dropped = true
				}
			}
			s.mu.Unlock()
			out := protocol.SubscriptionDropped{Reason: protocol.DropUnsubscribed}
			reply(protocol.CmdSubscriptionDropped, pkg.CorrelationID, out.Marshal())
		}
	}
}

// versionMatches checks an expected version against the current stream.
func versionMatches(expected int64, current []protocol.EventRecord) bool {
	switch expected {
	case -2: // any
		return true
	case -1: // no stream
		return len(current) == 0
	case -4: // stream exists
		return len(current) > 0
	default:
		return int64(len(current))-1 == expected
	}
}

func (s *fakeEventStore) appendEvents(stream string, expectedVersion int64, events []protocol.NewEvent) protocol.WriteEventsCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted[stream] {
		return protocol.WriteEventsCompleted{Result: protocol.OperationStreamDeleted}
	}
	current := s.streams[stream]
	if !versionMatches(expectedVersion, current) {
		return protocol.WriteEventsCompleted{Result: protocol.OperationWrongExpectedVersion}
	}

	first := int64(len(current))
	for _, e := range events {
		s.position += 100
		rec := protocol.EventRecord{
			EventStreamID:       stream,
			EventNumber:         int64(len(s.streams[stream])),
			EventID:             e.EventID,
			EventType:           e.EventType,
			DataContentType:     e.DataContentType,
			MetadataContentType: e.MetadataContentType,
			Data:                e.Data,
			Metadata:            e.Metadata,
			CreatedEpoch:        time.Now().UnixMilli(),
		}
		s.streams[stream] = append(s.streams[stream], rec)
		resolved := protocol.ResolvedEvent{
			Event:           &rec,
			CommitPosition:  s.position,
			PreparePosition: s.position,
		}
		s.log = append(s.log, resolved)
		s.pushLocked(resolved)
	}
	last := int64(len(s.streams[stream])) - 1

	return protocol.WriteEventsCompleted{
		Result:           protocol.OperationSuccess,
		FirstEventNumber: first,
		LastEventNumber:  last,
		PreparePosition:  s.position,
		CommitPosition:   s.position,
	}
}

// pushLocked delivers one event to every live subscriber it matches.
func (s *fakeEventStore) pushLocked(resolved protocol.ResolvedEvent) {
	for _, sub := range s.subscribers {
		if sub.dropped {
			continue
		}
		if sub.stream != "" && sub.stream != resolved.Event.EventStreamID {
			continue
		}

		var pkg *protocol.Package
		if sub.persistent {
			msg := protocol.PersistentSubscriptionStreamEventAppeared{
				Event: protocol.ResolvedIndexedEvent{Event: resolved.Event},
			}
			pkg = protocol.NewPackage(protocol.CmdPersistentSubscriptionStreamEventAppeared, sub.correlationID, "", "", msg.Marshal())
		} else {
			msg := protocol.StreamEventAppeared{Event: resolved}
			pkg = protocol.NewPackage(protocol.CmdStreamEventAppeared, sub.correlationID, "", "", msg.Marshal())
		}
		sub.writeMu.Lock()
		_ = protocol.WriteFrame(sub.conn, pkg)
		sub.writeMu.Unlock()
	}
}

func (s *fakeEventStore) ackedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.acks...)
}

func (s *fakeEventStore) nakRecords() []fakeNak {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeNak(nil), s.naks...)
}

func (s *fakeEventStore) deleteStream(stream string, expectedVersion int64) protocol.DeleteStreamCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted[stream] {
		return protocol.DeleteStreamCompleted{Result: protocol.OperationStreamDeleted}
	}
	if !versionMatches(expectedVersion, s.streams[stream]) {
		return protocol.DeleteStreamCompleted{Result: protocol.OperationWrongExpectedVersion}
	}
	s.deleted[stream] = true
	s.position += 100
	return protocol.DeleteStreamCompleted{
		Result:          protocol.OperationSuccess,
		PreparePosition: s.position,
		CommitPosition:  s.position,
	}
}

func (s *fakeEventStore) commitTransaction(id int64) protocol.TransactionCommitCompleted {
	s.mu.Lock()
	txn := s.txns[id]
	s.mu.Unlock()

	if txn == nil {
		return protocol.TransactionCommitCompleted{TransactionID: id, Result: protocol.OperationInvalidTransaction}
	}

	out := s.appendEvents(txn.stream, txn.expectedVersion, txn.staged)
	return protocol.TransactionCommitCompleted{
		TransactionID:    id,
		Result:           out.Result,
		FirstEventNumber: out.FirstEventNumber,
		LastEventNumber:  out.LastEventNumber,
		PreparePosition:  out.PreparePosition,
		CommitPosition:   out.CommitPosition,
	}
}

func (s *fakeEventStore) readEvent(stream string, number int64) protocol.ReadEventCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted[stream] {
		return protocol.ReadEventCompleted{Result: protocol.ReadEventStreamDeleted}
	}
	events := s.streams[stream]
	if len(events) == 0 {
		return protocol.ReadEventCompleted{Result: protocol.ReadEventNoStream}
	}
	if number == -1 {
		number = int64(len(events)) - 1
	}
	if number < 0 || number >= int64(len(events)) {
		return protocol.ReadEventCompleted{Result: protocol.ReadEventNotFound}
	}
	return protocol.ReadEventCompleted{
		Result: protocol.ReadEventSuccess,
		Event:  protocol.ResolvedIndexedEvent{Event: &events[number]},
	}
}

func (s *fakeEventStore) readStreamForward(stream string, from int64, maxCount int32) protocol.ReadStreamEventsCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted[stream] {
		return protocol.ReadStreamEventsCompleted{Result: protocol.ReadStreamStreamDeleted}
	}
	events, ok := s.streams[stream]
	if !ok {
		return protocol.ReadStreamEventsCompleted{Result: protocol.ReadStreamNoStream, NextEventNumber: from, LastEventNumber: -1, IsEndOfStream: true}
	}

	last := int64(len(events)) - 1
	end := from + int64(maxCount)
	if end > int64(len(events)) {
		end = int64(len(events))
	}
	var out []protocol.ResolvedIndexedEvent
	for i := from; i < end; i++ {
		out = append(out, protocol.ResolvedIndexedEvent{Event: &events[i]})
	}
	return protocol.ReadStreamEventsCompleted{
		Events:             out,
		Result:             protocol.ReadStreamSuccess,
		NextEventNumber:    end,
		LastEventNumber:    last,
		IsEndOfStream:      end >= int64(len(events)),
		LastCommitPosition: s.position,
	}
}

func (s *fakeEventStore) readAllForward(fromCommit int64, maxCount int32) protocol.ReadAllEventsCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []protocol.ResolvedEvent
	next := fromCommit
	for _, e := range s.log {
		if e.CommitPosition < fromCommit {
			continue
		}
		if int32(len(out)) >= maxCount {
			break
		}
		out = append(out, e)
		next = e.CommitPosition + 1
	}
	return protocol.ReadAllEventsCompleted{
		CommitPosition:      fromCommit,
		PreparePosition:     fromCommit,
		Events:              out,
		NextCommitPosition:  next,
		NextPreparePosition: next,
		Result:              protocol.ReadAllSuccess,
	}
}

// connectToFake builds a client connection against the fake node with fast
// timings for tests.
func connectToFake(t *testing.T, store *fakeEventStore) *Connection {
	t.Helper()
	settings, err := NewSettingsBuilder().
		Address(store.address()).
		ReconnectionDelay(20 * time.Millisecond).
		OperationTimeout(5 * time.Second).
		Build()
	require.NoError(t, err)

	conn, err := Connect(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
