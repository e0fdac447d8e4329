// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.evstore.io/tcp-driver/internal/metrics"
	"go.evstore.io/tcp-driver/internal/protocol"
)

// Config bounds and paces the manager.
type Config struct {
	// MaxQueueSize bounds the waiting queue.
	MaxQueueSize int
	// MaxConcurrent bounds the active registry.
	MaxConcurrent int
	// MaxRetries bounds retries per operation; -1 means unlimited.
	MaxRetries int
	// Timeout is the per-attempt timeout checked by CheckTimeouts.
	Timeout time.Duration
	// FailOnNoServerResponse makes a timed-out attempt fail the operation
	// instead of retrying it.
	FailOnNoServerResponse bool
}

type item struct {
	op            Operation
	correlationID uuid.UUID
	createdAt     time.Time
	lastAttempt   time.Time
	retryCount    int
}

// Manager is the outstanding-request registry. All methods are safe for
// concurrent use; mutations are serialized by an internal mutex.
type Manager struct {
	cfg Config

	// onReconnect is invoked, without the lock held, when a response tells
	// the client to reconnect elsewhere.
	onReconnect func(endpoint *net.TCPAddr)

	mu      sync.Mutex
	waiting []*item
	active  map[uuid.UUID]*item
	closed  bool
}

// NewManager creates a manager. onReconnect may be nil.
func NewManager(cfg Config, onReconnect func(endpoint *net.TCPAddr)) *Manager {
	return &Manager{
		cfg:         cfg,
		onReconnect: onReconnect,
		active:      make(map[uuid.UUID]*item),
	}
}

// Enqueue adds op to the waiting queue. It fails synchronously when the
// queue is at its bound or the manager was cleaned up.
func (m *Manager) Enqueue(op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrConnectionClosed
	}
	if len(m.waiting) >= m.cfg.MaxQueueSize {
		return fmt.Errorf("%w: %d operations waiting", ErrOperationQueueOverflow, len(m.waiting))
	}
	m.waiting = append(m.waiting, &item{op: op, createdAt: time.Now()})
	return nil
}

// ScheduleWaiting dispatches waiting operations while the active registry
// has room. Each dispatch assigns a fresh correlation id. A failed transport
// write puts the operation back at the head of the queue and stops
// dispatching.
func (m *Manager) ScheduleWaiting(w PackageWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked(w)
}

func (m *Manager) scheduleLocked(w PackageWriter) {
	for len(m.waiting) > 0 && len(m.active) < m.cfg.MaxConcurrent {
		it := m.waiting[0]
		m.waiting = m.waiting[1:]

		it.correlationID = uuid.New()
		pkg, err := it.op.CreatePackage(it.correlationID)
		if err != nil {
			it.op.Fail(err)
			continue
		}

		it.lastAttempt = time.Now()
		m.active[it.correlationID] = it
		if err := w.WritePackage(pkg); err != nil {
			delete(m.active, it.correlationID)
			m.waiting = append([]*item{it}, m.waiting...)
			log.WithError(err).Debug("operation dispatch failed, returning to waiting queue")
			return
		}
	}
}

// HandleResponse routes a response package to the active operation carrying
// its correlation id. It reports whether the package was claimed by an
// operation.
func (m *Manager) HandleResponse(correlationID uuid.UUID, pkg *protocol.Package, w PackageWriter) bool {
	m.mu.Lock()
	it, ok := m.active[correlationID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	insp := it.op.Inspect(pkg)
	var reconnect *net.TCPAddr

	switch insp.Decision {
	case DecideContinue:
		// Multi-frame response; leave the entry active.

	case DecideSuccess, DecideFail:
		delete(m.active, correlationID)
		m.scheduleLocked(w)

	case DecideRetry:
		delete(m.active, correlationID)
		m.retryLocked(it, insp.Description, w)

	case DecideReconnect:
		delete(m.active, correlationID)
		m.waiting = append([]*item{it}, m.waiting...)
		reconnect = insp.Endpoint
	}
	m.mu.Unlock()

	if reconnect != nil && m.onReconnect != nil {
		m.onReconnect(reconnect)
	}
	return true
}

// retryLocked re-queues an operation for another attempt or fails it when
// the retry limit is exhausted.
func (m *Manager) retryLocked(it *item, reason string, w PackageWriter) {
	it.retryCount++
	if m.cfg.MaxRetries >= 0 && it.retryCount > m.cfg.MaxRetries {
		it.op.Fail(fmt.Errorf("%w after %d attempts: %s", ErrRetryLimitReached, it.retryCount, reason))
		return
	}

	metrics.OperationsRetried.Inc()
	log.WithFields(log.Fields{
		"correlation": it.correlationID,
		"retry":       it.retryCount,
		"reason":      reason,
	}).Debug("retrying operation")

	m.waiting = append(m.waiting, it)
	m.scheduleLocked(w)
}

// CheckTimeouts sweeps the active registry for attempts older than the
// operation timeout. Depending on configuration each one either fails or is
// retried.
func (m *Manager) CheckTimeouts(w PackageWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var timedOut []*item
	for id, it := range m.active {
		if now.Sub(it.lastAttempt) <= m.cfg.Timeout {
			continue
		}
		delete(m.active, id)
		timedOut = append(timedOut, it)
	}

	for _, it := range timedOut {
		metrics.OperationsTimedOut.Inc()
		if m.cfg.FailOnNoServerResponse {
			it.op.Fail(fmt.Errorf("%w after %s", ErrOperationTimedOut, now.Sub(it.lastAttempt)))
			continue
		}
		m.retryLocked(it, "no server response", w)
	}
}

// MoveToWaiting returns every active operation to the waiting queue, retry
// counts preserved, so they are re-sent once the connection is back.
func (m *Manager) MoveToWaiting() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, it := range m.active {
		delete(m.active, id)
		m.waiting = append(m.waiting, it)
	}
}

// CleanUp fails every waiting and active operation with err and refuses
// further enqueues.
func (m *Manager) CleanUp(err error) {
	m.mu.Lock()
	waiting := m.waiting
	active := m.active
	m.waiting = nil
	m.active = make(map[uuid.UUID]*item)
	m.closed = true
	m.mu.Unlock()

	for _, it := range waiting {
		it.op.Fail(err)
	}
	for _, it := range active {
		it.op.Fail(err)
	}
}

// WaitingCount returns the waiting queue depth.
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
