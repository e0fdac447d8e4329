// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.evstore.io/tcp-driver/internal/protocol"
	"go.evstore.io/tcp-driver/internal/subscription"
)

// NakAction tells the server what to do with a negatively acknowledged
// message.
type NakAction = protocol.NakAction

// Nak actions.
const (
	NakActionUnknown = protocol.NakUnknown
	NakActionPark    = protocol.NakPark
	NakActionRetry   = protocol.NakRetry
	NakActionSkip    = protocol.NakSkip
	NakActionStop    = protocol.NakStop
)

// PersistentSubscriptionSettings configures a competing-consumer group.
type PersistentSubscriptionSettings struct {
	ResolveLinkTos bool
	// StartFrom is the event number consumption begins at; -1 means the end
	// of the stream at creation time.
	StartFrom          int64
	MessageTimeout     time.Duration
	ExtraStatistics    bool
	LiveBufferSize     int32
	ReadBatchSize      int32
	HistoryBufferSize  int32
	MaxRetryCount      int32
	CheckpointAfter    time.Duration
	MinCheckpointCount int32
	MaxCheckpointCount int32
	// MaxSubscriberCount bounds concurrent consumers; 0 is unlimited.
	MaxSubscriberCount    int32
	NamedConsumerStrategy string
}

// DefaultPersistentSubscriptionSettings mirrors the server's defaults.
func DefaultPersistentSubscriptionSettings() PersistentSubscriptionSettings {
	return PersistentSubscriptionSettings{
		ResolveLinkTos:        false,
		StartFrom:             -1,
		MessageTimeout:        30 * time.Second,
		LiveBufferSize:        500,
		ReadBatchSize:         10,
		HistoryBufferSize:     20,
		MaxRetryCount:         500,
		CheckpointAfter:       2 * time.Second,
		MinCheckpointCount:    10,
		MaxCheckpointCount:    1000,
		NamedConsumerStrategy: "RoundRobin",
	}
}

func (s *PersistentSubscriptionSettings) wire() protocol.PersistentSubscriptionSettings {
	return protocol.PersistentSubscriptionSettings{
		ResolveLinkTos:        s.ResolveLinkTos,
		StartFrom:             s.StartFrom,
		MessageTimeoutMs:      int32(s.MessageTimeout / time.Millisecond),
		RecordStatistics:      s.ExtraStatistics,
		LiveBufferSize:        s.LiveBufferSize,
		ReadBatchSize:         s.ReadBatchSize,
		BufferSize:            s.HistoryBufferSize,
		MaxRetryCount:         s.MaxRetryCount,
		PreferRoundRobin:      s.NamedConsumerStrategy == "RoundRobin",
		CheckpointAfterMs:     int32(s.CheckpointAfter / time.Millisecond),
		CheckpointMaxCount:    s.MaxCheckpointCount,
		CheckpointMinCount:    s.MinCheckpointCount,
		SubscriberMaxCount:    s.MaxSubscriberCount,
		NamedConsumerStrategy: s.NamedConsumerStrategy,
	}
}

// PersistentEventAppearedHandler consumes one message of a
// competing-consumer group. retryCount is how often the server has
// redelivered this message.
type PersistentEventAppearedHandler func(sub *PersistentSubscription, event *ResolvedEvent, retryCount int) error

// PersistentSubscriptionDroppedHandler observes the consumer's
// termination.
type PersistentSubscriptionDroppedHandler func(sub *PersistentSubscription, reason SubscriptionDropReason, err error)

// PersistentSubscriptionOptions tunes one consumer connection to a group.
// The zero value inherits the connection-wide defaults.
type PersistentSubscriptionOptions struct {
	// BufferSize is the number of in-flight messages the server may push
	// before awaiting acknowledgements. 0 uses the connection setting; a
	// negative value forces a minimal buffer of one.
	BufferSize int
	// AutoAck overrides the connection-wide auto-ack setting when non-nil.
	AutoAck *bool
	// HandlerErrorNakAction and HandlerErrorNakMessage configure the
	// negative acknowledgement emitted when the event handler returns an
	// error. The zero action is NakActionUnknown; an empty message becomes
	// "handler-exception".
	HandlerErrorNakAction  NakAction
	HandlerErrorNakMessage string
}

// PersistentSubscription is one consumer of a competing-consumer group.
// Messages must be acknowledged (or negatively acknowledged) by event id;
// with auto-ack enabled the client acknowledges after each successful
// callback.
type PersistentSubscription struct {
	conn       *Connection
	streamID   string
	group      string
	bufferSize int
	autoAck    bool
	nakAction  NakAction
	nakMessage string

	eventAppeared PersistentEventAppearedHandler
	dropped       PersistentSubscriptionDroppedHandler
	creds         *UserCredentials

	item  *subscription.Item
	queue serialQueue

	mu             sync.Mutex
	confirmed      bool
	subscriptionID string

	confirmc chan error
}

// Stream returns the subscribed stream.
func (s *PersistentSubscription) Stream() string { return s.streamID }

// Group returns the consumer group name.
func (s *PersistentSubscription) Group() string { return s.group }

// Acknowledge confirms processing of events so the group stops redelivering
// them.
func (s *PersistentSubscription) Acknowledge(events ...*ResolvedEvent) error {
	ids := make([]uuid.UUID, len(events))
	for i, ev := range events {
		ids[i] = ev.OriginalEvent().EventID
	}
	return s.acknowledgeIDs(ids)
}

func (s *PersistentSubscription) acknowledgeIDs(ids []uuid.UUID) error {
	s.mu.Lock()
	subscriptionID := s.subscriptionID
	correlationID := s.item.CorrelationID()
	s.mu.Unlock()

	msg := protocol.PersistentSubscriptionAckEvents{
		SubscriptionID:    subscriptionID,
		ProcessedEventIDs: ids,
	}
	login, password := s.conn.credentials(s.creds)
	pkg := protocol.NewPackage(protocol.CmdPersistentSubscriptionAckEvents, correlationID, login, password, msg.Marshal())
	return s.conn.driver.SendPackage(pkg)
}

// Fail negatively acknowledges events with an action and a reason.
func (s *PersistentSubscription) Fail(action NakAction, reason string, events ...*ResolvedEvent) error {
	ids := make([]uuid.UUID, len(events))
	for i, ev := range events {
		ids[i] = ev.OriginalEvent().EventID
	}

	s.mu.Lock()
	subscriptionID := s.subscriptionID
	correlationID := s.item.CorrelationID()
	s.mu.Unlock()

	msg := protocol.PersistentSubscriptionNakEvents{
		SubscriptionID:    subscriptionID,
		ProcessedEventIDs: ids,
		Message:           reason,
		Action:            action,
	}
	login, password := s.conn.credentials(s.creds)
	pkg := protocol.NewPackage(protocol.CmdPersistentSubscriptionNakEvents, correlationID, login, password, msg.Marshal())
	return s.conn.driver.SendPackage(pkg)
}

// Stop disconnects this consumer from the group. The drop callback fires
// with reason UserInitiated.
func (s *PersistentSubscription) Stop() error {
	_ = s.conn.driver.Subscriptions().Unsubscribe(s.item, driverWriter{s.conn.driver})
	s.conn.driver.Subscriptions().Drop(s.item, subscription.DropUserInitiated, nil)
	return nil
}

// persistentStreamer adapts a PersistentSubscription to the subscription
// manager's contract.
type persistentStreamer struct {
	sub *PersistentSubscription
}

func (p *persistentStreamer) CreatePackage(correlationID uuid.UUID) (*protocol.Package, error) {
	s := p.sub
	login, password := s.conn.credentials(s.creds)
	msg := protocol.ConnectToPersistentSubscription{
		SubscriptionID:          s.group,
		EventStreamID:           s.streamID,
		AllowedInFlightMessages: int32(s.bufferSize),
	}
	return protocol.NewPackage(protocol.CmdConnectToPersistentSubscription, correlationID, login, password, msg.Marshal()), nil
}

func (p *persistentStreamer) OnConfirmed(pkg *protocol.Package) error {
	var msg protocol.PersistentSubscriptionConfirmation
	if err := msg.Unmarshal(pkg.Payload); err != nil {
		return err
	}

	s := p.sub
	s.mu.Lock()
	first := !s.confirmed
	s.confirmed = true
	s.subscriptionID = msg.SubscriptionID
	s.mu.Unlock()

	if first {
		s.confirmc <- nil
	}
	return nil
}

func (p *persistentStreamer) OnEvent(pkg *protocol.Package) error {
	var msg protocol.PersistentSubscriptionStreamEventAppeared
	if err := msg.Unmarshal(pkg.Payload); err != nil {
		return err
	}

	s := p.sub
	event := resolvedEventFromIndexed(&msg.Event)
	retryCount := int(msg.RetryCount)
	s.queue.enqueue(func() {
		if err := s.eventAppeared(s, &event, retryCount); err != nil {
			_ = s.Fail(s.nakAction, s.nakMessage, &event)
			return
		}
		if s.autoAck {
			_ = s.Acknowledge(&event)
		}
	})
	return nil
}

func (p *persistentStreamer) OnDropped(reason subscription.DropReason, err error) {
	s := p.sub

	s.mu.Lock()
	confirmed := s.confirmed
	s.mu.Unlock()

	if !confirmed {
		if err == nil {
			err = fmt.Errorf("persistent subscription dropped before confirmation: %s", reason)
		}
		s.confirmc <- err
		return
	}

	s.queue.enqueue(func() {
		if s.dropped != nil {
			s.dropped(s, reason, err)
		}
	})
}

// ConnectToPersistentSubscription joins a competing-consumer group as one
// consumer. The zero options value inherits the connection's configured
// buffer size and auto-ack behavior.
func (c *Connection) ConnectToPersistentSubscription(ctx context.Context, stream, group string, opts PersistentSubscriptionOptions, eventAppeared PersistentEventAppearedHandler, dropped PersistentSubscriptionDroppedHandler, creds *UserCredentials) (*PersistentSubscription, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}
	if group == "" {
		return nil, errors.New("group name must not be empty")
	}
	if eventAppeared == nil {
		return nil, errors.New("event handler must not be nil")
	}

	bufferSize := opts.BufferSize
	if bufferSize == 0 {
		bufferSize = c.settings.PersistentSubscriptionBufferSize
	} else if bufferSize < 0 {
		bufferSize = 1
	}
	autoAck := c.settings.PersistentSubscriptionAutoAckEnabled
	if opts.AutoAck != nil {
		autoAck = *opts.AutoAck
	}
	nakMessage := opts.HandlerErrorNakMessage
	if nakMessage == "" {
		nakMessage = "handler-exception"
	}

	sub := &PersistentSubscription{
		conn:          c,
		streamID:      stream,
		group:         group,
		bufferSize:    bufferSize,
		autoAck:       autoAck,
		nakAction:     opts.HandlerErrorNakAction,
		nakMessage:    nakMessage,
		eventAppeared: eventAppeared,
		dropped:       dropped,
		creds:         creds,
		confirmc:      make(chan error, 1),
	}
	sub.item = subscription.NewItem(&persistentStreamer{sub}, c.settings.MaxOperationRetries)

	if err := c.driver.StartSubscription(sub.item); err != nil {
		return nil, err
	}

	select {
	case err := <-sub.confirmc:
		if err != nil {
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		_ = sub.Stop()
		return nil, ctx.Err()
	}
}
