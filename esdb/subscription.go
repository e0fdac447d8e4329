// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"go.evstore.io/tcp-driver/internal/protocol"
	"go.evstore.io/tcp-driver/internal/subscription"
)

// SubscriptionDropReason is why a subscription terminated.
type SubscriptionDropReason = subscription.DropReason

// Subscription drop reasons.
const (
	SubscriptionDropUnsubscribed                  = subscription.DropUnsubscribed
	SubscriptionDropAccessDenied                  = subscription.DropAccessDenied
	SubscriptionDropNotFound                      = subscription.DropNotFound
	SubscriptionDropPersistentSubscriptionDeleted = subscription.DropPersistentSubscriptionDeleted
	SubscriptionDropSubscriberMaxCountReached     = subscription.DropSubscriberMaxCountReached
	SubscriptionDropConnectionClosed              = subscription.DropConnectionClosed
	SubscriptionDropCatchUpError                  = subscription.DropCatchUpError
	SubscriptionDropProcessingQueueOverflow       = subscription.DropProcessingQueueOverflow
	SubscriptionDropEventHandlerException         = subscription.DropEventHandlerException
	SubscriptionDropServerError                   = subscription.DropServerError
	SubscriptionDropUserInitiated                 = subscription.DropUserInitiated
)

// EventAppearedHandler consumes one pushed event. Returning an error drops
// the subscription with reason EventHandlerException.
type EventAppearedHandler func(sub *Subscription, event *ResolvedEvent) error

// SubscriptionDroppedHandler observes the subscription's termination. It is
// invoked exactly once, after the last event callback.
type SubscriptionDroppedHandler func(sub *Subscription, reason SubscriptionDropReason, err error)

// serialQueue runs queued functions one at a time in FIFO order on pool
// goroutines. A producer that enqueues while no drain is running starts
// one; the drain clears its running flag only while holding the lock with
// the queue empty, so a concurrent enqueue is never stranded.
type serialQueue struct {
	mu      sync.Mutex
	items   []func()
	running bool
}

func (q *serialQueue) enqueue(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
	}
}

// Subscription is a volatile subscription: a live tail of a stream (or of
// $all) with no historical replay. Events and the drop notification are
// delivered serially, in server-push order.
type Subscription struct {
	conn           *Connection
	streamID       string // empty = $all
	resolveLinkTos bool

	eventAppeared EventAppearedHandler
	dropped       SubscriptionDroppedHandler
	creds         *UserCredentials

	item  *subscription.Item
	queue serialQueue

	mu                 sync.Mutex
	confirmed          bool
	lastCommitPosition int64
	lastEventNumber    int64

	confirmc chan error
}

// StreamID returns the subscribed stream; empty means $all.
func (s *Subscription) StreamID() string {
	return s.streamID
}

// LastCommitPosition returns the server's last commit position at
// confirmation time.
func (s *Subscription) LastCommitPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitPosition
}

// LastEventNumber returns the stream's last event number at confirmation
// time; -1 for $all subscriptions.
func (s *Subscription) LastEventNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventNumber
}

// Close unsubscribes. The drop callback fires with reason UserInitiated
// after any events already queued are delivered.
func (s *Subscription) Close() error {
	// Best effort: tell the server. The local drop below is what guarantees
	// termination.
	_ = s.conn.driver.Subscriptions().Unsubscribe(s.item, driverWriter{s.conn.driver})
	s.conn.driver.Subscriptions().Drop(s.item, subscription.DropUserInitiated, nil)
	return nil
}

// volatileStreamer adapts a Subscription to the subscription manager's
// contract without exporting the contract's methods on the public type.
type volatileStreamer struct {
	sub *Subscription
}

func (v *volatileStreamer) CreatePackage(correlationID uuid.UUID) (*protocol.Package, error) {
	login, password := v.sub.conn.credentials(v.sub.creds)
	msg := protocol.SubscribeToStream{
		EventStreamID:  v.sub.streamID,
		ResolveLinkTos: v.sub.resolveLinkTos,
	}
	return protocol.NewPackage(protocol.CmdSubscribeToStream, correlationID, login, password, msg.Marshal()), nil
}

func (v *volatileStreamer) OnConfirmed(pkg *protocol.Package) error {
	var msg protocol.SubscriptionConfirmation
	if err := msg.Unmarshal(pkg.Payload); err != nil {
		return err
	}

	s := v.sub
	s.mu.Lock()
	first := !s.confirmed
	s.confirmed = true
	s.lastCommitPosition = msg.LastCommitPosition
	s.lastEventNumber = msg.LastEventNumber
	s.mu.Unlock()

	if first {
		s.confirmc <- nil
	}
	return nil
}

func (v *volatileStreamer) OnEvent(pkg *protocol.Package) error {
	var msg protocol.StreamEventAppeared
	if err := msg.Unmarshal(pkg.Payload); err != nil {
		return err
	}

	s := v.sub
	event := resolvedEventFromWire(&msg.Event)
	s.queue.enqueue(func() {
		if err := s.eventAppeared(s, &event); err != nil {
			s.conn.driver.Subscriptions().Drop(s.item, subscription.DropEventHandlerException, err)
		}
	})
	return nil
}

func (v *volatileStreamer) OnDropped(reason subscription.DropReason, err error) {
	s := v.sub

	s.mu.Lock()
	confirmed := s.confirmed
	s.mu.Unlock()

	if !confirmed {
		// The subscribe call is still blocked; resolve it instead of firing
		// the drop callback.
		if err == nil {
			err = fmt.Errorf("subscription dropped before confirmation: %s", reason)
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

func (c *Connection) subscribeVolatile(ctx context.Context, stream string, resolveLinkTos bool, eventAppeared EventAppearedHandler, dropped SubscriptionDroppedHandler, creds *UserCredentials) (*Subscription, error) {
	if eventAppeared == nil {
		return nil, fmt.Errorf("event handler must not be nil")
	}

	sub := &Subscription{
		conn:           c,
		streamID:       stream,
		resolveLinkTos: resolveLinkTos,
		eventAppeared:  eventAppeared,
		dropped:        dropped,
		creds:          creds,
		confirmc:       make(chan error, 1),
	}
	sub.item = subscription.NewItem(&volatileStreamer{sub}, c.settings.MaxOperationRetries)

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
		_ = sub.Close()
		return nil, ctx.Err()
	}
}

// SubscribeToStream opens a volatile subscription on a stream. The call
// blocks until the server confirms it or ctx is done.
func (c *Connection) SubscribeToStream(ctx context.Context, stream string, resolveLinkTos bool, eventAppeared EventAppearedHandler, dropped SubscriptionDroppedHandler, creds *UserCredentials) (*Subscription, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}
	return c.subscribeVolatile(ctx, stream, resolveLinkTos, eventAppeared, dropped, creds)
}

// SubscribeToAll opens a volatile subscription on $all.
func (c *Connection) SubscribeToAll(ctx context.Context, resolveLinkTos bool, eventAppeared EventAppearedHandler, dropped SubscriptionDroppedHandler, creds *UserCredentials) (*Subscription, error) {
	return c.subscribeVolatile(ctx, "", resolveLinkTos, eventAppeared, dropped, creds)
}
