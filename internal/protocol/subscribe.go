// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package protocol

import "github.com/google/uuid"

// SubscribeToStream opens a volatile subscription. An empty stream id
// subscribes to $all.
type SubscribeToStream struct {
	EventStreamID  string
	ResolveLinkTos bool
}

func (m *SubscribeToStream) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.EventStreamID)
	w.putBool(m.ResolveLinkTos)
	return w.buf
}

func (m *SubscribeToStream) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.EventStreamID = r.string()
	m.ResolveLinkTos = r.bool()
	return r.finish()
}

// SubscriptionConfirmation acknowledges a subscribe request and reports the
// server's last known positions. LastEventNumber is -1 for $all.
type SubscriptionConfirmation struct {
	LastCommitPosition int64
	LastEventNumber    int64
}

func (m *SubscriptionConfirmation) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.LastCommitPosition)
	w.putInt64(m.LastEventNumber)
	return w.buf
}

func (m *SubscriptionConfirmation) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.LastCommitPosition = r.int64()
	m.LastEventNumber = r.int64()
	return r.finish()
}

// StreamEventAppeared pushes one live event to a volatile subscription.
type StreamEventAppeared struct {
	Event ResolvedEvent
}

func (m *StreamEventAppeared) Marshal() []byte {
	w := &wireWriter{}
	m.Event.append(w)
	return w.buf
}

func (m *StreamEventAppeared) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Event.read(r)
	return r.finish()
}

// UnsubscribeFromStream asks the server to drop the subscription identified
// by the package's correlation id. It has no payload fields.
type UnsubscribeFromStream struct{}

func (m *UnsubscribeFromStream) Marshal() []byte { return nil }

func (m *UnsubscribeFromStream) Unmarshal(data []byte) error {
	return newWireReader(data).finish()
}

// SubscriptionDropped terminates a subscription with a reason.
type SubscriptionDropped struct {
	Reason DropReason
}

func (m *SubscriptionDropped) Marshal() []byte {
	w := &wireWriter{}
	w.putInt32(int32(m.Reason))
	return w.buf
}

func (m *SubscriptionDropped) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Reason = DropReason(r.int32())
	return r.finish()
}

// MasterInfo names the cluster master the client should reconnect to.
type MasterInfo struct {
	ExternalTCPAddress       string
	ExternalTCPPort          int32
	ExternalSecureTCPAddress string
	ExternalSecureTCPPort    int32
}

// NotHandled tells the client the server refused a package; with reason
// NotMaster it carries the master's endpoints.
type NotHandled struct {
	Reason     NotHandledReason
	MasterInfo *MasterInfo
}

func (m *NotHandled) Marshal() []byte {
	w := &wireWriter{}
	w.putInt32(int32(m.Reason))
	if m.MasterInfo == nil {
		w.putBool(false)
		return w.buf
	}
	w.putBool(true)
	w.putString(m.MasterInfo.ExternalTCPAddress)
	w.putInt32(m.MasterInfo.ExternalTCPPort)
	w.putString(m.MasterInfo.ExternalSecureTCPAddress)
	w.putInt32(m.MasterInfo.ExternalSecureTCPPort)
	return w.buf
}

func (m *NotHandled) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Reason = NotHandledReason(r.int32())
	if r.bool() {
		m.MasterInfo = &MasterInfo{
			ExternalTCPAddress: r.string(),
		}
		m.MasterInfo.ExternalTCPPort = r.int32()
		m.MasterInfo.ExternalSecureTCPAddress = r.string()
		m.MasterInfo.ExternalSecureTCPPort = r.int32()
	}
	return r.finish()
}

// IdentifyClient introduces the client to the server after the transport is
// up.
type IdentifyClient struct {
	Version        int32
	ConnectionName string
}

func (m *IdentifyClient) Marshal() []byte {
	w := &wireWriter{}
	w.putInt32(m.Version)
	w.putString(m.ConnectionName)
	return w.buf
}

func (m *IdentifyClient) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Version = r.int32()
	m.ConnectionName = r.string()
	return r.finish()
}

// ConnectToPersistentSubscription joins a competing-consumer group.
type ConnectToPersistentSubscription struct {
	SubscriptionID          string
	EventStreamID           string
	AllowedInFlightMessages int32
}

func (m *ConnectToPersistentSubscription) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.SubscriptionID)
	w.putString(m.EventStreamID)
	w.putInt32(m.AllowedInFlightMessages)
	return w.buf
}

func (m *ConnectToPersistentSubscription) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.SubscriptionID = r.string()
	m.EventStreamID = r.string()
	m.AllowedInFlightMessages = r.int32()
	return r.finish()
}

// PersistentSubscriptionConfirmation acknowledges a group connect.
type PersistentSubscriptionConfirmation struct {
	LastCommitPosition int64
	SubscriptionID     string
	LastEventNumber    int64
}

func (m *PersistentSubscriptionConfirmation) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.LastCommitPosition)
	w.putString(m.SubscriptionID)
	w.putInt64(m.LastEventNumber)
	return w.buf
}

func (m *PersistentSubscriptionConfirmation) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.LastCommitPosition = r.int64()
	m.SubscriptionID = r.string()
	m.LastEventNumber = r.int64()
	return r.finish()
}

// PersistentSubscriptionStreamEventAppeared pushes one event to a group
// consumer.
type PersistentSubscriptionStreamEventAppeared struct {
	Event      ResolvedIndexedEvent
	RetryCount int32
}

func (m *PersistentSubscriptionStreamEventAppeared) Marshal() []byte {
	w := &wireWriter{}
	m.Event.append(w)
	w.putInt32(m.RetryCount)
	return w.buf
}

func (m *PersistentSubscriptionStreamEventAppeared) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Event.read(r)
	m.RetryCount = r.int32()
	return r.finish()
}

// PersistentSubscriptionAckEvents acknowledges processed messages by id.
type PersistentSubscriptionAckEvents struct {
	SubscriptionID    string
	ProcessedEventIDs []uuid.UUID
}

func (m *PersistentSubscriptionAckEvents) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.SubscriptionID)
	w.putInt32(int32(len(m.ProcessedEventIDs)))
	for _, id := range m.ProcessedEventIDs {
		w.putUUID(id)
	}
	return w.buf
}

func (m *PersistentSubscriptionAckEvents) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.SubscriptionID = r.string()
	n := r.int32()
	if n > 0 {
		m.ProcessedEventIDs = make([]uuid.UUID, n)
		for i := range m.ProcessedEventIDs {
			m.ProcessedEventIDs[i] = r.uuid()
		}
	}
	return r.finish()
}

// PersistentSubscriptionNakEvents negatively acknowledges messages by id.
type PersistentSubscriptionNakEvents struct {
	SubscriptionID    string
	ProcessedEventIDs []uuid.UUID
	Message           string
	Action            NakAction
}

func (m *PersistentSubscriptionNakEvents) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.SubscriptionID)
	w.putInt32(int32(len(m.ProcessedEventIDs)))
	for _, id := range m.ProcessedEventIDs {
		w.putUUID(id)
	}
	w.putString(m.Message)
	w.putInt32(int32(m.Action))
	return w.buf
}

func (m *PersistentSubscriptionNakEvents) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.SubscriptionID = r.string()
	n := r.int32()
	if n > 0 {
		m.ProcessedEventIDs = make([]uuid.UUID, n)
		for i := range m.ProcessedEventIDs {
			m.ProcessedEventIDs[i] = r.uuid()
		}
	}
	m.Message = r.string()
	m.Action = NakAction(r.int32())
	return r.finish()
}

// PersistentSubscriptionSettings configures a competing-consumer group.
type PersistentSubscriptionSettings struct {
	ResolveLinkTos        bool
	StartFrom             int64
	MessageTimeoutMs      int32
	RecordStatistics      bool
	LiveBufferSize        int32
	ReadBatchSize         int32
	BufferSize            int32
	MaxRetryCount         int32
	PreferRoundRobin      bool
	CheckpointAfterMs     int32
	CheckpointMaxCount    int32
	CheckpointMinCount    int32
	SubscriberMaxCount    int32
	NamedConsumerStrategy string
}

func (s *PersistentSubscriptionSettings) append(w *wireWriter) {
	w.putBool(s.ResolveLinkTos)
	w.putInt64(s.StartFrom)
	w.putInt32(s.MessageTimeoutMs)
	w.putBool(s.RecordStatistics)
	w.putInt32(s.LiveBufferSize)
	w.putInt32(s.ReadBatchSize)
	w.putInt32(s.BufferSize)
	w.putInt32(s.MaxRetryCount)
	w.putBool(s.PreferRoundRobin)
	w.putInt32(s.CheckpointAfterMs)
	w.putInt32(s.CheckpointMaxCount)
	w.putInt32(s.CheckpointMinCount)
	w.putInt32(s.SubscriberMaxCount)
	w.putString(s.NamedConsumerStrategy)
}

func (s *PersistentSubscriptionSettings) read(r *wireReader) {
	s.ResolveLinkTos = r.bool()
	s.StartFrom = r.int64()
	s.MessageTimeoutMs = r.int32()
	s.RecordStatistics = r.bool()
	s.LiveBufferSize = r.int32()
	s.ReadBatchSize = r.int32()
	s.BufferSize = r.int32()
	s.MaxRetryCount = r.int32()
	s.PreferRoundRobin = r.bool()
	s.CheckpointAfterMs = r.int32()
	s.CheckpointMaxCount = r.int32()
	s.CheckpointMinCount = r.int32()
	s.SubscriberMaxCount = r.int32()
	s.NamedConsumerStrategy = r.string()
}

// CreatePersistentSubscription creates a competing-consumer group on a
// stream. The same payload shape serves updates under the update command tag.
type CreatePersistentSubscription struct {
	SubscriptionGroupName string
	EventStreamID         string
	Settings              PersistentSubscriptionSettings
}

func (m *CreatePersistentSubscription) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.SubscriptionGroupName)
	w.putString(m.EventStreamID)
	m.Settings.append(w)
	return w.buf
}

func (m *CreatePersistentSubscription) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.SubscriptionGroupName = r.string()
	m.EventStreamID = r.string()
	m.Settings.read(r)
	return r.finish()
}

// DeletePersistentSubscription removes a competing-consumer group.
type DeletePersistentSubscription struct {
	SubscriptionGroupName string
	EventStreamID         string
}

func (m *DeletePersistentSubscription) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.SubscriptionGroupName)
	w.putString(m.EventStreamID)
	return w.buf
}

func (m *DeletePersistentSubscription) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.SubscriptionGroupName = r.string()
	m.EventStreamID = r.string()
	return r.finish()
}

// PersistentSubscriptionManagementCompleted reports the outcome of a create,
// update or delete of a group.
type PersistentSubscriptionManagementCompleted struct {
	Result PersistentSubscriptionCreateStatus
	Reason string
}

func (m *PersistentSubscriptionManagementCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt32(int32(m.Result))
	w.putString(m.Reason)
	return w.buf
}

func (m *PersistentSubscriptionManagementCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Result = PersistentSubscriptionCreateStatus(r.int32())
	m.Reason = r.string()
	return r.finish()
}
