// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package subscription tracks server-push subscriptions: a waiting set not
// yet confirmed by the server and an active registry keyed by subscription
// id, which doubles as the correlation id of the subscribe request.
package subscription

import (
	"sync"

	"github.com/google/uuid"

	"go.evstore.io/tcp-driver/internal/protocol"
)

// DropReason is the client-level reason a subscription terminated.
type DropReason int

// Drop reasons. The first five mirror the server's wire-level reasons; the
// rest originate in the client.
const (
	DropUnsubscribed DropReason = iota
	DropAccessDenied
	DropNotFound
	DropPersistentSubscriptionDeleted
	DropSubscriberMaxCountReached
	DropConnectionClosed
	DropCatchUpError
	DropProcessingQueueOverflow
	DropEventHandlerException
	DropServerError
	DropUserInitiated
)

var dropReasonNames = [...]string{
	"Unsubscribed",
	"AccessDenied",
	"NotFound",
	"PersistentSubscriptionDeleted",
	"SubscriberMaxCountReached",
	"ConnectionClosed",
	"CatchUpError",
	"ProcessingQueueOverflow",
	"EventHandlerException",
	"ServerError",
	"UserInitiated",
}

// String implements the Stringer interface.
func (r DropReason) String() string {
	if r < 0 || int(r) >= len(dropReasonNames) {
		return "Unknown"
	}
	return dropReasonNames[r]
}

// State is the lifecycle state of a subscription entry.
type State int

// Subscription states.
const (
	StateSubscribing State = iota
	StateSubscribed
	StateUnsubscribed
)

// PackageWriter sends a package over the current channel.
type PackageWriter interface {
	WritePackage(pkg *protocol.Package) error
}

// Streamer is the behavior of one concrete subscription (volatile or
// persistent). CreatePackage builds the subscribe request for a fresh
// correlation id; OnConfirmed and OnEvent decode confirmation and event
// frames; OnDropped is invoked exactly once per subscription lifetime.
type Streamer interface {
	CreatePackage(correlationID uuid.UUID) (*protocol.Package, error)
	OnConfirmed(pkg *protocol.Package) error
	OnEvent(pkg *protocol.Package) error
	OnDropped(reason DropReason, err error)
}

// Item is one subscription entry in the manager's registries. Its mutable
// fields are guarded by an item-level mutex because consumers (ack paths,
// introspection) read them outside the manager's lock.
type Item struct {
	Streamer   Streamer
	MaxRetries int // subscribe retries; -1 unlimited

	mu            sync.Mutex
	correlationID uuid.UUID
	state         State
	retryCount    int
	dropped       bool
}

// NewItem wraps a streamer for registration.
func NewItem(s Streamer, maxRetries int) *Item {
	return &Item{Streamer: s, MaxRetries: maxRetries}
}

// CorrelationID returns the id of the current subscribe attempt.
func (it *Item) CorrelationID() uuid.UUID {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.correlationID
}

// State returns the entry's lifecycle state.
func (it *Item) State() State {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

func (it *Item) beginAttempt(id uuid.UUID) {
	it.mu.Lock()
	it.correlationID = id
	it.state = StateSubscribing
	it.mu.Unlock()
}

func (it *Item) setState(s State) {
	it.mu.Lock()
	it.state = s
	it.mu.Unlock()
}

// markDropped flips the drop-once guard, reporting whether this caller won.
func (it *Item) markDropped() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.dropped {
		return false
	}
	it.dropped = true
	it.state = StateUnsubscribed
	return true
}

func (it *Item) isDropped() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.dropped
}

// bumpRetry increments the attempt counter and reports whether the limit is
// now exceeded.
func (it *Item) bumpRetry() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.retryCount++
	return it.MaxRetries >= 0 && it.retryCount > it.MaxRetries
}
