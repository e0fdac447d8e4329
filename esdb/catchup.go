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
	"sync/atomic"
	"time"

	"go.evstore.io/tcp-driver/internal/connection"
	"go.evstore.io/tcp-driver/internal/metrics"
)

// CatchUpSubscriptionSettings parameterizes a catch-up subscription.
type CatchUpSubscriptionSettings struct {
	// MaxLiveQueueSize bounds the queue of live events awaiting processing;
	// exceeding it drops the subscription with ProcessingQueueOverflow.
	MaxLiveQueueSize int
	// ReadBatchSize is the slice size of historical reads. It must be below
	// the server's read ceiling.
	ReadBatchSize int
	// ResolveLinkTos dereferences link events.
	ResolveLinkTos bool
}

// DefaultCatchUpSubscriptionSettings mirrors the stock client defaults.
func DefaultCatchUpSubscriptionSettings() CatchUpSubscriptionSettings {
	return CatchUpSubscriptionSettings{
		MaxLiveQueueSize: 10000,
		ReadBatchSize:    500,
		ResolveLinkTos:   true,
	}
}

func (s CatchUpSubscriptionSettings) validate() error {
	if s.MaxLiveQueueSize <= 0 {
		return errors.New("catch-up settings: max live queue size must be positive")
	}
	if s.ReadBatchSize <= 0 {
		return errors.New("catch-up settings: read batch size must be positive")
	}
	if s.ReadBatchSize >= maxReadSliceSize {
		return fmt.Errorf("catch-up settings: read batch size must be below %d", maxReadSliceSize)
	}
	return nil
}

// CatchUpEventAppearedHandler consumes one event of a catch-up
// subscription, historical or live. Returning an error drops the
// subscription with reason EventHandlerException.
type CatchUpEventAppearedHandler func(sub *CatchUpSubscription, event *ResolvedEvent) error

// LiveProcessingStartedHandler is invoked once the historical replay has
// caught up and delivery switches to live push.
type LiveProcessingStartedHandler func(sub *CatchUpSubscription)

// CatchUpSubscriptionDroppedHandler observes the subscription's
// termination. It is invoked exactly once.
type CatchUpSubscriptionDroppedHandler func(sub *CatchUpSubscription, reason SubscriptionDropReason, err error)

type liveEntry struct {
	event *ResolvedEvent
	drop  bool
}

type dropData struct {
	reason SubscriptionDropReason
	err    error
}

// handlerError marks an error as originating in the user callback rather
// than in a read.
type handlerError struct {
	err error
}

func (e handlerError) Error() string { return e.err.Error() }
func (e handlerError) Unwrap() error { return e.err }

// CatchUpSubscription delivers a gap-free, duplicate-free event sequence
// from an arbitrary historical starting point into indefinite live
// tailing, across reconnects. It reads history in batches until it reaches
// the position a freshly confirmed volatile subscription reports, then
// switches to the subscription's push queue.
type CatchUpSubscription struct {
	conn     *Connection
	streamID string // empty = $all
	settings CatchUpSubscriptionSettings
	creds    *UserCredentials

	eventAppeared CatchUpEventAppearedHandler
	liveStarted   LiveProcessingStartedHandler
	dropped       CatchUpSubscriptionDroppedHandler

	ctx    context.Context
	cancel context.CancelFunc

	// progressMu serializes tryProcess, making it the single writer of the
	// last-processed cursor and of user callbacks. The cursor itself is
	// separately readable so callbacks and callers can inspect it without
	// re-entering the lock.
	progressMu               sync.Mutex
	lastProcessedEventNumber atomic.Int64
	posMu                    sync.Mutex
	lastProcessedPosition    Position

	// Read cursors, touched only by the single running pass.
	nextReadEventNumber int64
	nextReadPosition    Position

	queueMu      sync.Mutex
	liveQueue    []liveEntry
	isProcessing bool

	allowProcessing atomic.Bool
	shouldStop      atomic.Bool
	running         atomic.Bool
	pendingRestart  atomic.Bool

	dropMu      sync.Mutex
	dropPending *dropData
	dropDone    bool

	subMu sync.Mutex
	sub   *Subscription

	listenerID   uint64
	listenerOnce sync.Once

	stopped chan struct{}
}

func (c *Connection) newCatchUpSubscription(streamID string, settings CatchUpSubscriptionSettings, eventAppeared CatchUpEventAppearedHandler, liveStarted LiveProcessingStartedHandler, dropped CatchUpSubscriptionDroppedHandler, creds *UserCredentials) (*CatchUpSubscription, error) {
	if eventAppeared == nil {
		return nil, errors.New("event handler must not be nil")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &CatchUpSubscription{
		conn:          c,
		streamID:      streamID,
		settings:      settings,
		creds:         creds,
		eventAppeared: eventAppeared,
		liveStarted:   liveStarted,
		dropped:       dropped,
		ctx:           ctx,
		cancel:        cancel,
		stopped:       make(chan struct{}),
	}
	return sub, nil
}

func (s *CatchUpSubscription) start() {
	s.listenerID = s.conn.driver.SubscribeEvents(func(ev connection.Event) {
		switch ev.Type {
		case connection.EventConnected:
			s.onReconnect()
		case connection.EventClosed:
			s.drop(SubscriptionDropConnectionClosed, ev.Err)
		}
	})
	s.pendingRestart.Store(true)
	s.maybeRun()
}

// SubscribeToStreamFrom opens a catch-up subscription on a stream.
// lastCheckpoint is the number of the last event the caller has already
// processed; nil replays the stream from its beginning. Delivery starts at
// lastCheckpoint+1.
func (c *Connection) SubscribeToStreamFrom(stream string, lastCheckpoint *int64, settings CatchUpSubscriptionSettings, eventAppeared CatchUpEventAppearedHandler, liveStarted LiveProcessingStartedHandler, dropped CatchUpSubscriptionDroppedHandler, creds *UserCredentials) (*CatchUpSubscription, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}

	sub, err := c.newCatchUpSubscription(stream, settings, eventAppeared, liveStarted, dropped, creds)
	if err != nil {
		return nil, err
	}
	if lastCheckpoint != nil {
		sub.lastProcessedEventNumber.Store(*lastCheckpoint)
		sub.nextReadEventNumber = *lastCheckpoint + 1
	} else {
		sub.lastProcessedEventNumber.Store(-1)
		sub.nextReadEventNumber = 0
	}
	sub.start()
	return sub, nil
}

// SubscribeToAllFrom opens a catch-up subscription on $all. lastCheckpoint
// is the position of the last event the caller has already processed; nil
// replays from the beginning of the log.
func (c *Connection) SubscribeToAllFrom(lastCheckpoint *Position, settings CatchUpSubscriptionSettings, eventAppeared CatchUpEventAppearedHandler, liveStarted LiveProcessingStartedHandler, dropped CatchUpSubscriptionDroppedHandler, creds *UserCredentials) (*CatchUpSubscription, error) {
	sub, err := c.newCatchUpSubscription("", settings, eventAppeared, liveStarted, dropped, creds)
	if err != nil {
		return nil, err
	}
	if lastCheckpoint != nil {
		sub.lastProcessedPosition = *lastCheckpoint
		sub.nextReadPosition = *lastCheckpoint
	} else {
		sub.lastProcessedPosition = Position{Commit: -1, Prepare: -1}
		sub.nextReadPosition = StartPosition
	}
	sub.start()
	return sub, nil
}

// StreamID returns the subscribed stream; empty means $all.
func (s *CatchUpSubscription) StreamID() string {
	return s.streamID
}

// LastProcessedEventNumber returns the number of the last event delivered
// to the callback, for stream subscriptions.
func (s *CatchUpSubscription) LastProcessedEventNumber() int64 {
	return s.lastProcessedEventNumber.Load()
}

// LastProcessedPosition returns the position of the last event delivered to
// the callback, for $all subscriptions.
func (s *CatchUpSubscription) LastProcessedPosition() Position {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	return s.lastProcessedPosition
}

// Stop requests termination. The drop callback fires with reason
// UserInitiated once events already being processed complete; Stop does not
// wait for it.
func (s *CatchUpSubscription) Stop() error {
	s.shouldStop.Store(true)
	s.cancel()
	s.detachListener()
	if sub := s.currentSub(); sub != nil {
		_ = sub.Close()
	}
	s.drop(SubscriptionDropUserInitiated, nil)
	return nil
}

// StopWait stops like Stop and then blocks until the drop callback has
// completed, or fails after timeout. The subscription may still terminate
// after a timeout failure.
func (s *CatchUpSubscription) StopWait(timeout time.Duration) error {
	if err := s.Stop(); err != nil {
		return err
	}
	select {
	case <-s.stopped:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("catch-up subscription did not stop within %s", timeout)
	}
}

func (s *CatchUpSubscription) detachListener() {
	s.listenerOnce.Do(func() {
		s.conn.driver.UnsubscribeEvents(s.listenerID)
	})
}

func (s *CatchUpSubscription) currentSub() *Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.sub
}

func (s *CatchUpSubscription) setSub(sub *Subscription) {
	s.subMu.Lock()
	s.sub = sub
	s.subMu.Unlock()
}

func (s *CatchUpSubscription) onReconnect() {
	if s.shouldStop.Load() {
		return
	}
	s.pendingRestart.Store(true)
	s.maybeRun()
}

// maybeRun starts one runSubscription pass when a restart is pending and no
// pass is running.
func (s *CatchUpSubscription) maybeRun() {
	if s.shouldStop.Load() {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	if !s.pendingRestart.CompareAndSwap(true, false) {
		s.running.Store(false)
		return
	}
	go s.runSubscription()
}

// runSubscription is one pass of the catch-up algorithm: replay history,
// subscribe, replay the window between read and confirmation, then hand
// over to live processing.
func (s *CatchUpSubscription) runSubscription() {
	defer func() {
		s.running.Store(false)
		s.maybeRun()
	}()

	s.allowProcessing.Store(false)

	// After a reconnect the replay resumes at the last delivered event, not
	// at wherever the previous read loop left off.
	if s.streamID == "" {
		if last := s.LastProcessedPosition(); last.Commit >= 0 && last.After(s.nextReadPosition) {
			s.nextReadPosition = last
		}
	} else {
		if next := s.lastProcessedEventNumber.Load() + 1; next > s.nextReadEventNumber {
			s.nextReadEventNumber = next
		}
	}

	if err := s.readHistory(nil, nil); err != nil {
		s.handleRunError(err)
		return
	}
	if s.shouldStop.Load() {
		return
	}

	sub, err := s.subscribeLive()
	if err != nil {
		s.handleRunError(err)
		return
	}
	s.setSub(sub)
	if s.shouldStop.Load() {
		_ = sub.Close()
		return
	}

	// Events written between the first replay and the subscription
	// confirmation are picked up here.
	tillEventNumber := sub.LastEventNumber()
	tillPosition := Position{Commit: sub.LastCommitPosition(), Prepare: sub.LastCommitPosition()}
	if err := s.readHistory(&tillEventNumber, &tillPosition); err != nil {
		s.handleRunError(err)
		return
	}
	if s.shouldStop.Load() {
		return
	}

	if s.liveStarted != nil {
		s.liveStarted(s)
	}
	s.allowProcessing.Store(true)
	s.ensureProcessing()
}

func (s *CatchUpSubscription) handleRunError(err error) {
	if s.shouldStop.Load() || errors.Is(err, context.Canceled) {
		return
	}
	var herr handlerError
	if errors.As(err, &herr) {
		s.drop(SubscriptionDropEventHandlerException, herr.err)
		return
	}
	s.drop(SubscriptionDropCatchUpError, err)
}

func (s *CatchUpSubscription) subscribeLive() (*Subscription, error) {
	onEvent := func(_ *Subscription, event *ResolvedEvent) error {
		s.enqueuePushedEvent(event)
		return nil
	}
	onDropped := func(_ *Subscription, reason SubscriptionDropReason, err error) {
		s.onLiveSubscriptionDropped(reason, err)
	}

	if s.streamID == "" {
		return s.conn.SubscribeToAll(s.ctx, s.settings.ResolveLinkTos, onEvent, onDropped, s.creds)
	}
	return s.conn.SubscribeToStream(s.ctx, s.streamID, s.settings.ResolveLinkTos, onEvent, onDropped, s.creds)
}

// onLiveSubscriptionDropped routes the underlying volatile subscription's
// termination. Connection loss is absorbed: the reconnect hook restarts the
// whole pass. Server-side reasons propagate verbatim.
func (s *CatchUpSubscription) onLiveSubscriptionDropped(reason SubscriptionDropReason, err error) {
	switch reason {
	case SubscriptionDropConnectionClosed, SubscriptionDropUserInitiated:
		return
	default:
		s.drop(reason, err)
	}
}

// readHistory replays events forward from the current read cursor. With nil
// bounds it reads to the end of the stream; otherwise it stops once the
// bound is passed.
func (s *CatchUpSubscription) readHistory(tillEventNumber *int64, tillPosition *Position) error {
	if s.streamID == "" {
		return s.readAllHistory(tillPosition)
	}
	return s.readStreamHistory(tillEventNumber)
}

func (s *CatchUpSubscription) readStreamHistory(till *int64) error {
	for {
		if s.shouldStop.Load() {
			return nil
		}

		from := s.nextReadEventNumber
		slice, err := s.conn.ReadStreamEventsForward(s.ctx, s.streamID, from, s.settings.ReadBatchSize, s.settings.ResolveLinkTos, s.creds)
		if err != nil {
			return err
		}

		switch slice.Status {
		case SliceReadSuccess:
			for i := range slice.Events {
				if s.shouldStop.Load() {
					return nil
				}
				if err := s.tryProcess(&slice.Events[i]); err != nil {
					return handlerError{err: err}
				}
			}
		case SliceReadStreamNotFound:
			// Nothing written yet; the subscription will see the first
			// event live.
			return nil
		case SliceReadStreamDeleted:
			return StreamDeletedError{Stream: s.streamID}
		}

		s.nextReadEventNumber = slice.NextEventNumber

		if slice.IsEndOfStream {
			return nil
		}
		if till != nil && slice.NextEventNumber > *till {
			return nil
		}
	}
}

func (s *CatchUpSubscription) readAllHistory(till *Position) error {
	for {
		if s.shouldStop.Load() {
			return nil
		}

		from := s.nextReadPosition
		slice, err := s.conn.ReadAllEventsForward(s.ctx, from, s.settings.ReadBatchSize, s.settings.ResolveLinkTos, s.creds)
		if err != nil {
			return err
		}

		for i := range slice.Events {
			if s.shouldStop.Load() {
				return nil
			}
			if err := s.tryProcess(&slice.Events[i]); err != nil {
				return handlerError{err: err}
			}
		}

		s.nextReadPosition = slice.NextPosition

		if slice.IsEndOfStream() {
			return nil
		}
		if till != nil && slice.NextPosition.Commit > till.Commit {
			return nil
		}
	}
}

// tryProcess delivers one event unless it is at or before the
// last-processed cursor, in which case it is discarded as a duplicate. The
// cursor advances only after a successful callback.
func (s *CatchUpSubscription) tryProcess(event *ResolvedEvent) error {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	if s.streamID == "" {
		pos := event.OriginalPosition
		if pos == nil {
			return errors.New("live event carries no position")
		}
		if !pos.After(s.LastProcessedPosition()) {
			return nil
		}
		if err := s.eventAppeared(s, event); err != nil {
			return err
		}
		s.posMu.Lock()
		s.lastProcessedPosition = *pos
		s.posMu.Unlock()
		return nil
	}

	number := event.OriginalEventNumber()
	if number <= s.lastProcessedEventNumber.Load() {
		return nil
	}
	if err := s.eventAppeared(s, event); err != nil {
		return err
	}
	s.lastProcessedEventNumber.Store(number)
	return nil
}

// enqueuePushedEvent receives live events from the volatile subscription's
// callback, bounding the queue.
func (s *CatchUpSubscription) enqueuePushedEvent(event *ResolvedEvent) {
	s.queueMu.Lock()
	depth := len(s.liveQueue)
	if depth >= s.settings.MaxLiveQueueSize {
		s.queueMu.Unlock()
		metrics.LiveQueueOverflows.Inc()
		s.drop(SubscriptionDropProcessingQueueOverflow,
			fmt.Errorf("live queue exceeded %d events", s.settings.MaxLiveQueueSize))
		return
	}
	s.liveQueue = append(s.liveQueue, liveEntry{event: event})
	s.queueMu.Unlock()

	if s.allowProcessing.Load() {
		s.ensureProcessing()
	}
}

// drop records the termination reason at most once and enqueues the drop
// marker behind any events still to be delivered.
func (s *CatchUpSubscription) drop(reason SubscriptionDropReason, err error) {
	s.dropMu.Lock()
	if s.dropPending != nil || s.dropDone {
		s.dropMu.Unlock()
		return
	}
	s.dropPending = &dropData{reason: reason, err: err}
	s.dropMu.Unlock()

	s.queueMu.Lock()
	s.liveQueue = append(s.liveQueue, liveEntry{drop: true})
	s.queueMu.Unlock()
	s.ensureProcessing()
}

// dropNow terminates without going through the queue, for failures raised
// by the processor itself.
func (s *CatchUpSubscription) dropNow(reason SubscriptionDropReason, err error) {
	s.dropMu.Lock()
	if s.dropPending == nil && !s.dropDone {
		s.dropPending = &dropData{reason: reason, err: err}
	}
	s.dropMu.Unlock()
	s.finalizeDrop()
}

func (s *CatchUpSubscription) finalizeDrop() {
	s.dropMu.Lock()
	if s.dropDone {
		s.dropMu.Unlock()
		return
	}
	s.dropDone = true
	data := s.dropPending
	if data == nil {
		data = &dropData{reason: SubscriptionDropServerError, err: errors.New("drop reason unknown")}
	}
	s.dropMu.Unlock()

	s.shouldStop.Store(true)
	s.cancel()
	s.detachListener()
	if sub := s.currentSub(); sub != nil {
		_ = sub.Close()
	}
	if s.dropped != nil {
		s.dropped(s, data.reason, data.err)
	}
	close(s.stopped)
}

// ensureProcessing starts the single live-queue processor if none is
// running.
func (s *CatchUpSubscription) ensureProcessing() {
	s.queueMu.Lock()
	if s.isProcessing {
		s.queueMu.Unlock()
		return
	}
	s.isProcessing = true
	s.queueMu.Unlock()
	go s.processLiveQueue()
}

// processLiveQueue drains the queue in FIFO order. On emptying it, it
// clears the running flag and then re-checks the queue: an enqueue that
// slipped in between is picked up here, and an enqueuer that saw the flag
// already cleared starts its own drain.
func (s *CatchUpSubscription) processLiveQueue() {
	for {
		for {
			s.queueMu.Lock()
			if len(s.liveQueue) == 0 {
				s.queueMu.Unlock()
				break
			}
			entry := s.liveQueue[0]
			s.liveQueue = s.liveQueue[1:]
			s.queueMu.Unlock()

			if entry.drop {
				s.finalizeDrop()
				s.queueMu.Lock()
				s.isProcessing = false
				s.queueMu.Unlock()
				return
			}
			if err := s.tryProcess(entry.event); err != nil {
				s.dropNow(SubscriptionDropEventHandlerException, err)
				s.queueMu.Lock()
				s.isProcessing = false
				s.queueMu.Unlock()
				return
			}
		}

		s.queueMu.Lock()
		s.isProcessing = false
		if len(s.liveQueue) == 0 {
			s.queueMu.Unlock()
			return
		}
		s.isProcessing = true
		s.queueMu.Unlock()
	}
}
