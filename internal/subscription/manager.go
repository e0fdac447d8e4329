// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package subscription

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.evstore.io/tcp-driver/internal/metrics"
	"go.evstore.io/tcp-driver/internal/protocol"
)

// ErrClosed occurs when registering a subscription after the manager was
// cleaned up.
var ErrClosed = errors.New("subscription manager closed")

// Manager is the server-push subscription registry. It is symmetric to the
// operation manager, but entries are confirmed before they stream and are
// terminated by a drop that fires exactly once.
type Manager struct {
	onReconnect func(endpoint *net.TCPAddr)

	mu      sync.Mutex
	waiting []*Item
	active  map[uuid.UUID]*Item
	closed  bool
}

// NewManager creates a manager. onReconnect may be nil.
func NewManager(onReconnect func(endpoint *net.TCPAddr)) *Manager {
	return &Manager{
		onReconnect: onReconnect,
		active:      make(map[uuid.UUID]*Item),
	}
}

// Enqueue registers a subscription for establishment on the next schedule
// pass.
func (m *Manager) Enqueue(it *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.waiting = append(m.waiting, it)
	return nil
}

// ScheduleWaiting sends subscribe requests for every waiting entry, each
// under a fresh correlation id.
func (m *Manager) ScheduleWaiting(w PackageWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.waiting) > 0 {
		it := m.waiting[0]
		m.waiting = m.waiting[1:]

		id := uuid.New()
		it.beginAttempt(id)
		pkg, err := it.Streamer.CreatePackage(id)
		if err != nil {
			m.dropLocked(it, DropServerError, err)
			continue
		}

		m.active[id] = it
		if err := w.WritePackage(pkg); err != nil {
			delete(m.active, id)
			m.waiting = append([]*Item{it}, m.waiting...)
			log.WithError(err).Debug("subscribe dispatch failed, returning to waiting set")
			return
		}
	}
}

// HandleResponse routes a server package to the subscription carrying its
// correlation id. It reports whether a subscription claimed the package.
func (m *Manager) HandleResponse(correlationID uuid.UUID, pkg *protocol.Package, w PackageWriter) bool {
	m.mu.Lock()
	it, ok := m.active[correlationID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	var reconnect *net.TCPAddr

	switch pkg.Command {
	case protocol.CmdSubscriptionConfirmation, protocol.CmdPersistentSubscriptionConfirmation:
		it.setState(StateSubscribed)
		if err := it.Streamer.OnConfirmed(pkg); err != nil {
			m.dropLocked(it, DropServerError, err)
		}

	case protocol.CmdStreamEventAppeared, protocol.CmdPersistentSubscriptionStreamEventAppeared:
		if it.State() != StateSubscribed {
			m.dropLocked(it, DropServerError, fmt.Errorf("event frame before confirmation on %s", correlationID))
			break
		}
		if err := it.Streamer.OnEvent(pkg); err != nil {
			m.dropLocked(it, DropServerError, err)
		}

	case protocol.CmdSubscriptionDropped:
		var msg protocol.SubscriptionDropped
		if err := msg.Unmarshal(pkg.Payload); err != nil {
			m.dropLocked(it, DropServerError, err)
			break
		}
		m.dropLocked(it, clientDropReason(msg.Reason), nil)

	case protocol.CmdNotAuthenticated:
		m.dropLocked(it, DropAccessDenied, errors.New("subscription not authenticated"))

	case protocol.CmdBadRequest:
		m.dropLocked(it, DropServerError, fmt.Errorf("bad request: %s", pkg.Payload))

	case protocol.CmdNotHandled:
		reconnect = m.handleNotHandledLocked(it, pkg, w)

	default:
		m.dropLocked(it, DropServerError, fmt.Errorf("unexpected command %s on subscription", pkg.Command))
	}
	m.mu.Unlock()

	if reconnect != nil && m.onReconnect != nil {
		m.onReconnect(reconnect)
	}
	return true
}

// handleNotHandledLocked requeues the subscription and, for a NotMaster
// refusal, returns the endpoint the driver should reconnect to.
func (m *Manager) handleNotHandledLocked(it *Item, pkg *protocol.Package, w PackageWriter) *net.TCPAddr {
	delete(m.active, it.CorrelationID())

	var msg protocol.NotHandled
	if err := msg.Unmarshal(pkg.Payload); err != nil {
		m.dropLocked(it, DropServerError, err)
		return nil
	}

	switch msg.Reason {
	case protocol.NotHandledNotMaster:
		m.waiting = append(m.waiting, it)
		if msg.MasterInfo == nil {
			return nil
		}
		ip := net.ParseIP(msg.MasterInfo.ExternalTCPAddress)
		if ip == nil {
			return nil
		}
		return &net.TCPAddr{IP: ip, Port: int(msg.MasterInfo.ExternalTCPPort)}

	default: // NotReady, TooBusy
		if it.bumpRetry() {
			m.dropLocked(it, DropServerError, fmt.Errorf("subscribe retry limit of %d reached", it.MaxRetries))
			return nil
		}
		m.waiting = append(m.waiting, it)
		m.scheduleDeferred(w)
		return nil
	}
}

// scheduleDeferred re-runs scheduling after the current lock is released.
func (m *Manager) scheduleDeferred(w PackageWriter) {
	go m.ScheduleWaiting(w)
}

// Unsubscribe asks the server to drop the subscription; the terminal drop
// frame arrives through HandleResponse.
func (m *Manager) Unsubscribe(it *Item, w PackageWriter) error {
	if it.isDropped() {
		return nil
	}
	id := it.CorrelationID()
	msg := protocol.UnsubscribeFromStream{}
	return w.WritePackage(protocol.NewPackage(protocol.CmdUnsubscribeFromStream, id, "", "", msg.Marshal()))
}

// Drop terminates a subscription from the client side with the given
// reason. It is safe to call for entries already dropped.
func (m *Manager) Drop(it *Item, reason DropReason, err error) {
	m.mu.Lock()
	m.dropLocked(it, reason, err)
	m.mu.Unlock()
}

// dropLocked removes the entry from both registries and fires the drop
// callback at most once.
func (m *Manager) dropLocked(it *Item, reason DropReason, err error) {
	if !it.markDropped() {
		return
	}
	delete(m.active, it.CorrelationID())
	for i, waiting := range m.waiting {
		if waiting == it {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			break
		}
	}

	metrics.SubscriptionsDropped.WithLabelValues(reason.String()).Inc()
	log.WithFields(log.Fields{
		"correlation": it.CorrelationID(),
		"reason":      reason,
	}).Debug("subscription dropped")

	// The streamer marshals the callback onto its own executor, so invoking
	// under the lock cannot re-enter the manager.
	it.Streamer.OnDropped(reason, err)
}

// MoveToWaiting returns every active entry to the waiting set so it is
// re-established after the connection comes back.
func (m *Manager) MoveToWaiting() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, it := range m.active {
		delete(m.active, id)
		it.setState(StateSubscribing)
		m.waiting = append(m.waiting, it)
	}
}

// CleanUp drops every waiting and active subscription with reason
// ConnectionClosed and refuses further registrations.
func (m *Manager) CleanUp(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, it := range m.active {
		m.dropLocked(it, DropConnectionClosed, err)
	}
	waiting := m.waiting
	m.waiting = nil
	for _, it := range waiting {
		m.dropLocked(it, DropConnectionClosed, err)
	}
}

// WaitingCount returns the waiting set size.
func (m *Manager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// ActiveCount returns the active registry size.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func clientDropReason(wire protocol.DropReason) DropReason {
	switch wire {
	case protocol.DropUnsubscribed:
		return DropUnsubscribed
	case protocol.DropAccessDenied:
		return DropAccessDenied
	case protocol.DropNotFound:
		return DropNotFound
	case protocol.DropPersistentSubscriptionDeleted:
		return DropPersistentSubscriptionDeleted
	case protocol.DropSubscriberMaxCountReached:
		return DropSubscriberMaxCountReached
	}
	return DropServerError
}
