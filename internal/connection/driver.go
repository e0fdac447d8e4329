// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connection owns the client's single TCP channel and the state
// machine around it: endpoint discovery, connect, authenticate, heartbeat
// liveness, reconnection and teardown. All transitions are serialized on one
// driver goroutine; other goroutines post work to it.
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.evstore.io/tcp-driver/internal/metrics"
	"go.evstore.io/tcp-driver/internal/operation"
	"go.evstore.io/tcp-driver/internal/protocol"
	"go.evstore.io/tcp-driver/internal/subscription"
)

// timerPeriod paces the driver's housekeeping: reconnect delays, heartbeat
// stages, authentication deadlines and operation timeout sweeps.
const timerPeriod = 200 * time.Millisecond

const clientVersion = 1

// Driver-level failure modes.
var (
	// ErrConnectionAlreadyStarted occurs on a second Connect call.
	ErrConnectionAlreadyStarted = errors.New("connection has already been started")

	// ErrReconnectionLimitReached occurs when the configured number of
	// reconnection attempts is exhausted.
	ErrReconnectionLimitReached = errors.New("reconnection limit reached")

	// ErrAuthenticationFailed occurs when the server rejects the configured
	// credentials. It is fatal: the connection closes.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Phase is the top-level connection state.
type Phase int32

// Top-level phases.
const (
	PhaseInit Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseClosed:
		return "Closed"
	}
	return "Unknown"
}

// ConnectingPhase is the sub-phase within PhaseConnecting.
type ConnectingPhase int32

// Connecting sub-phases.
const (
	ConnectingInvalid ConnectingPhase = iota
	ConnectingReconnecting
	ConnectingEndpointDiscovery
	ConnectingConnectionEstablishing
	ConnectingAuthentication
	ConnectingConnected
)

// EventType classifies connection lifecycle events delivered to listeners.
type EventType int

// Connection events.
const (
	EventConnected EventType = iota
	EventDisconnected
	EventReconnecting
	EventClosed
	EventAuthenticationFailed
	EventErrorOccurred
)

// Event is one connection lifecycle notification.
type Event struct {
	Type     EventType
	Endpoint *net.TCPAddr
	Err      error
	Reason   string
}

// Config parameterizes the driver. Zero durations are not defaulted here;
// the facade validates settings before building a Config.
type Config struct {
	ConnectionName  string
	DefaultLogin    string
	DefaultPassword string

	ReconnectionDelay             time.Duration
	MaxReconnections              int
	HeartbeatInterval             time.Duration
	HeartbeatTimeout              time.Duration
	ConnectTimeout                time.Duration
	OperationTimeout              time.Duration
	OperationTimeoutCheckInterval time.Duration

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config
	Dialer    Dialer
}

// Driver coordinates discovery, the channel, both managers and the phase
// graph. All mutable state below mu-free fields is owned by the run
// goroutine.
type Driver struct {
	cfg        Config
	discoverer EndpointDiscoverer
	ops        *operation.Manager
	subs       *subscription.Manager

	msgc chan func()
	done chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc

	phaseAtomic atomic.Int32

	// Owned by the run goroutine.
	phase          Phase
	connPhase      ConnectingPhase
	attempt        int
	ch             *channel
	endpoint       *net.TCPAddr
	reconnAttempts int

	reconnectDeadline   time.Time
	authDeadline        time.Time
	authCorrelation     uuid.UUID
	identifyCorrelation uuid.UUID

	packageNumber       int
	hbLastPackageNumber int
	hbTimeoutStage      bool
	hbDeadline          time.Time
	lastTimeoutsCheck   time.Time

	listenerMu     sync.Mutex
	listeners      map[uint64]func(Event)
	nextListenerID uint64
	eventc         chan Event
}

// NewDriver assembles a driver with its operation and subscription
// managers.
func NewDriver(cfg Config, opCfg operation.Config, discoverer EndpointDiscoverer) *Driver {
	baseCtx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		cfg:        cfg,
		discoverer: discoverer,
		msgc:       make(chan func(), 512),
		done:       make(chan struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		listeners:  make(map[uint64]func(Event)),
		eventc:     make(chan Event, 128),
	}
	d.ops = operation.NewManager(opCfg, d.reconnectTo)
	d.subs = subscription.NewManager(d.reconnectTo)

	go d.run()
	go d.dispatchEvents()
	return d
}

// Operations returns the operation manager.
func (d *Driver) Operations() *operation.Manager { return d.ops }

// Subscriptions returns the subscription manager.
func (d *Driver) Subscriptions() *subscription.Manager { return d.subs }

// Phase returns the current top-level phase.
func (d *Driver) Phase() Phase {
	return Phase(d.phaseAtomic.Load())
}

// post hands fn to the run goroutine. It reports false when the driver has
// shut down. A post that loses the race with shutdown may still enqueue into
// a queue nobody drains, so waiters must also select on done.
func (d *Driver) post(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.msgc <- fn:
		return true
	case <-d.done:
		return false
	}
}

func (d *Driver) run() {
	ticker := time.NewTicker(timerPeriod)
	defer ticker.Stop()

	for {
		select {
		case fn := <-d.msgc:
			fn()
		case <-ticker.C:
			d.onTick()
		case <-d.done:
			return
		}
	}
}

func (d *Driver) setPhase(p Phase, cp ConnectingPhase) {
	d.phase = p
	d.connPhase = cp
	d.phaseAtomic.Store(int32(p))
}

// Connect starts the connection lifecycle. The connection is established in
// the background; operations enqueued before it completes are dispatched
// once the driver reaches Connected.
func (d *Driver) Connect() error {
	errc := make(chan error, 1)
	if !d.post(func() { errc <- d.startConnection() }) {
		return operation.ErrConnectionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-d.done:
		return operation.ErrConnectionClosed
	}
}

func (d *Driver) startConnection() error {
	if d.phase != PhaseInit {
		return ErrConnectionAlreadyStarted
	}
	d.setPhase(PhaseConnecting, ConnectingReconnecting)
	d.discoverEndpoint(nil)
	return nil
}

// Close tears the connection down, failing outstanding operations and
// dropping subscriptions. It is idempotent.
func (d *Driver) Close() error {
	donec := make(chan struct{})
	if !d.post(func() {
		d.closeWithError("user requested close", operation.ErrConnectionClosed)
		close(donec)
	}) {
		return nil
	}
	select {
	case <-donec:
	case <-d.done:
	}
	return nil
}

// EnqueueOperation registers op and triggers a dispatch pass.
func (d *Driver) EnqueueOperation(op operation.Operation) error {
	if err := d.ops.Enqueue(op); err != nil {
		return err
	}
	d.post(func() {
		if d.phase == PhaseConnected {
			d.ops.ScheduleWaiting(d.ch)
		}
	})
	return nil
}

// StartSubscription registers it and triggers an establishment pass.
func (d *Driver) StartSubscription(it *subscription.Item) error {
	if err := d.subs.Enqueue(it); err != nil {
		return err
	}
	d.post(func() {
		if d.phase == PhaseConnected {
			d.subs.ScheduleWaiting(d.ch)
		}
	})
	return nil
}

// SendPackage writes pkg on the driver goroutine, for traffic that belongs
// to an established subscription (acknowledgements, unsubscribes).
func (d *Driver) SendPackage(pkg *protocol.Package) error {
	errc := make(chan error, 1)
	if !d.post(func() {
		if d.phase != PhaseConnected || d.ch == nil {
			errc <- operation.ErrConnectionClosed
			return
		}
		errc <- d.ch.WritePackage(pkg)
	}) {
		return operation.ErrConnectionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-d.done:
		return operation.ErrConnectionClosed
	}
}

// SubscribeEvents registers a connection lifecycle listener and returns a
// token for UnsubscribeEvents.
func (d *Driver) SubscribeEvents(fn func(Event)) uint64 {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.nextListenerID++
	id := d.nextListenerID
	d.listeners[id] = fn
	return id
}

// UnsubscribeEvents removes a listener.
func (d *Driver) UnsubscribeEvents(id uint64) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	delete(d.listeners, id)
}

// emit queues an event for delivery off the driver goroutine.
func (d *Driver) emit(ev Event) {
	select {
	case d.eventc <- ev:
	case <-d.done:
	}
}

func (d *Driver) dispatchEvents() {
	for {
		select {
		case ev := <-d.eventc:
			d.listenerMu.Lock()
			fns := make([]func(Event), 0, len(d.listeners))
			for _, fn := range d.listeners {
				fns = append(fns, fn)
			}
			d.listenerMu.Unlock()
			for _, fn := range fns {
				fn(ev)
			}
		case <-d.done:
			// Drain what was queued before shutdown so Closed reaches
			// listeners.
			for {
				select {
				case ev := <-d.eventc:
					d.listenerMu.Lock()
					fns := make([]func(Event), 0, len(d.listeners))
					for _, fn := range d.listeners {
						fns = append(fns, fn)
					}
					d.listenerMu.Unlock()
					for _, fn := range fns {
						fn(ev)
					}
				default:
					return
				}
			}
		}
	}
}

// discoverEndpoint launches discovery off the driver goroutine and posts the
// result back, tagged with the attempt it belongs to.
func (d *Driver) discoverEndpoint(failed *net.TCPAddr) {
	d.connPhase = ConnectingEndpointDiscovery
	d.attempt++
	attempt := d.attempt

	go func() {
		endpoints, err := d.discoverer.Discover(d.baseCtx, failed)
		d.post(func() { d.onDiscoveryResult(attempt, endpoints, err) })
	}()
}

func (d *Driver) onDiscoveryResult(attempt int, endpoints NodeEndpoints, err error) {
	if attempt != d.attempt || d.phase != PhaseConnecting {
		return
	}
	if err != nil {
		log.WithError(err).Warn("endpoint discovery failed")
		d.goReconnecting(err)
		return
	}

	addr := endpoints.TCPEndpoint
	if d.cfg.TLSConfig != nil {
		addr = endpoints.SecureTCPEndpoint
	}
	if addr == nil {
		d.goReconnecting(errors.New("discovered node exposes no matching endpoint"))
		return
	}
	d.establish(addr)
}

func (d *Driver) establish(addr *net.TCPAddr) {
	d.connPhase = ConnectingConnectionEstablishing
	d.attempt++
	attempt := d.attempt

	log.WithField("endpoint", addr).Debug("establishing TCP connection")
	go func() {
		ch, err := dial(d.baseCtx, d.cfg.Dialer, addr, d.cfg.TLSConfig, d.cfg.ConnectTimeout)
		d.post(func() { d.onEstablishResult(attempt, addr, ch, err) })
	}()
}

func (d *Driver) onEstablishResult(attempt int, addr *net.TCPAddr, ch *channel, err error) {
	if attempt != d.attempt || d.phase != PhaseConnecting {
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		log.WithFields(log.Fields{"endpoint": addr, "error": err}).Warn("TCP connect failed")
		d.goReconnecting(err)
		return
	}

	d.ch = ch
	d.endpoint = addr
	ch.startReadLoop(
		func(ch *channel, pkg *protocol.Package) {
			d.post(func() { d.handlePackage(ch, pkg) })
		},
		func(ch *channel, cherr error) {
			d.post(func() { d.onTransportError(ch, cherr) })
		},
	)
	d.startAuthentication()
}

func (d *Driver) startAuthentication() {
	d.connPhase = ConnectingAuthentication
	d.authDeadline = time.Now().Add(d.cfg.OperationTimeout)

	if d.cfg.DefaultLogin != "" {
		d.authCorrelation = uuid.New()
		pkg := protocol.NewPackage(protocol.CmdAuthenticate, d.authCorrelation,
			d.cfg.DefaultLogin, d.cfg.DefaultPassword, nil)
		if err := d.ch.WritePackage(pkg); err != nil {
			d.goReconnecting(err)
		}
		return
	}
	d.sendIdentify()
}

func (d *Driver) sendIdentify() {
	d.identifyCorrelation = uuid.New()
	msg := protocol.IdentifyClient{Version: clientVersion, ConnectionName: d.cfg.ConnectionName}
	pkg := protocol.NewPackage(protocol.CmdIdentifyClient, d.identifyCorrelation, "", "", msg.Marshal())
	if err := d.ch.WritePackage(pkg); err != nil {
		d.goReconnecting(err)
	}
}

func (d *Driver) goConnected() {
	d.setPhase(PhaseConnected, ConnectingConnected)
	d.reconnAttempts = 0

	d.hbLastPackageNumber = d.packageNumber
	d.hbTimeoutStage = false
	d.hbDeadline = time.Now().Add(d.cfg.HeartbeatInterval)
	d.lastTimeoutsCheck = time.Now()

	log.WithField("endpoint", d.endpoint).Info("connection established")
	d.emit(Event{Type: EventConnected, Endpoint: d.endpoint})

	d.subs.ScheduleWaiting(d.ch)
	d.ops.ScheduleWaiting(d.ch)
}

func (d *Driver) handlePackage(ch *channel, pkg *protocol.Package) {
	if ch != d.ch || d.phase == PhaseClosed {
		return
	}
	d.packageNumber++

	switch pkg.Command {
	case protocol.CmdHeartbeatRequest:
		resp := protocol.NewPackage(protocol.CmdHeartbeatResponse, pkg.CorrelationID, "", "", nil)
		if err := d.ch.WritePackage(resp); err != nil {
			log.WithError(err).Debug("failed to answer heartbeat request")
		}
		return
	case protocol.CmdHeartbeatResponse:
		return
	}

	switch d.phase {
	case PhaseConnecting:
		if d.connPhase != ConnectingAuthentication {
			metrics.PackagesDiscarded.Inc()
			return
		}
		d.handleAuthPackage(pkg)

	case PhaseConnected:
		if d.ops.HandleResponse(pkg.CorrelationID, pkg, d.ch) {
			return
		}
		if d.subs.HandleResponse(pkg.CorrelationID, pkg, d.ch) {
			return
		}
		if pkg.Command == protocol.CmdBadRequest {
			err := fmt.Errorf("connection-level bad request: %s", pkg.Payload)
			d.emit(Event{Type: EventErrorOccurred, Err: err})
			d.closeWithError("connection-level bad request", err)
			return
		}
		metrics.PackagesDiscarded.Inc()
		log.WithFields(log.Fields{
			"command":     pkg.Command,
			"correlation": pkg.CorrelationID,
		}).Debug("discarding package with unknown correlation id")
	}
}

func (d *Driver) handleAuthPackage(pkg *protocol.Package) {
	switch {
	case pkg.Command == protocol.CmdAuthenticated && pkg.CorrelationID == d.authCorrelation:
		d.sendIdentify()

	case pkg.Command == protocol.CmdNotAuthenticated && pkg.CorrelationID == d.authCorrelation:
		d.emit(Event{Type: EventAuthenticationFailed, Err: ErrAuthenticationFailed})
		d.closeWithError("server rejected credentials", ErrAuthenticationFailed)

	case pkg.Command == protocol.CmdClientIdentified && pkg.CorrelationID == d.identifyCorrelation:
		d.goConnected()

	default:
		metrics.PackagesDiscarded.Inc()
	}
}

func (d *Driver) onTransportError(ch *channel, err error) {
	if ch != d.ch || d.phase == PhaseClosed {
		return
	}
	log.WithError(err).Info("transport error, reconnecting")
	d.emit(Event{Type: EventDisconnected, Endpoint: d.endpoint, Err: err})
	d.goReconnecting(err)
}

// reconnectTo is invoked by the managers when the server redirects the
// client to another node. The managers run inside the driver goroutine, so
// the post happens from a fresh goroutine to keep the message queue
// drainable.
func (d *Driver) reconnectTo(endpoint *net.TCPAddr) {
	go d.post(func() {
		if d.phase != PhaseConnected {
			return
		}
		log.WithField("endpoint", endpoint).Info("server requested reconnect")
		if d.ch != nil {
			d.ch.Close()
			d.ch = nil
		}
		d.ops.MoveToWaiting()
		d.subs.MoveToWaiting()
		d.setPhase(PhaseConnecting, ConnectingConnectionEstablishing)
		d.establish(endpoint)
	})
}

// goReconnecting faults the current channel and schedules the next
// discovery round after the configured delay.
func (d *Driver) goReconnecting(err error) {
	if d.phase == PhaseClosed {
		return
	}
	if d.ch != nil {
		d.ch.Close()
		d.ch = nil
	}
	d.ops.MoveToWaiting()
	d.subs.MoveToWaiting()

	if d.cfg.MaxReconnections >= 0 && d.reconnAttempts >= d.cfg.MaxReconnections {
		d.closeWithError("reconnection limit reached",
			fmt.Errorf("%w after %d attempts", ErrReconnectionLimitReached, d.reconnAttempts))
		return
	}

	d.reconnAttempts++
	metrics.Reconnects.Inc()
	d.setPhase(PhaseConnecting, ConnectingReconnecting)
	d.reconnectDeadline = time.Now().Add(d.cfg.ReconnectionDelay)

	log.WithFields(log.Fields{
		"attempt": d.reconnAttempts,
		"error":   err,
	}).Info("reconnecting")
	d.emit(Event{Type: EventReconnecting, Endpoint: d.endpoint, Err: err})
}

func (d *Driver) onTick() {
	now := time.Now()

	switch d.phase {
	case PhaseConnecting:
		if d.connPhase == ConnectingReconnecting && now.After(d.reconnectDeadline) {
			d.discoverEndpoint(d.endpoint)
		}
		if d.connPhase == ConnectingAuthentication && now.After(d.authDeadline) {
			log.Warn("authentication timed out, reconnecting")
			d.goReconnecting(errors.New("authentication timed out"))
		}

	case PhaseConnected:
		d.manageHeartbeats(now)
		if d.phase == PhaseConnected && now.Sub(d.lastTimeoutsCheck) >= d.cfg.OperationTimeoutCheckInterval {
			d.ops.CheckTimeouts(d.ch)
			d.lastTimeoutsCheck = now
		}
	}
}

// manageHeartbeats sends an idle-triggered heartbeat request and faults the
// channel when its acknowledgement does not arrive in time. Any received
// package counts as liveness.
func (d *Driver) manageHeartbeats(now time.Time) {
	if d.packageNumber != d.hbLastPackageNumber {
		d.hbLastPackageNumber = d.packageNumber
		d.hbTimeoutStage = false
		d.hbDeadline = now.Add(d.cfg.HeartbeatInterval)
		return
	}
	if now.Before(d.hbDeadline) {
		return
	}

	if !d.hbTimeoutStage {
		d.hbTimeoutStage = true
		d.hbDeadline = now.Add(d.cfg.HeartbeatTimeout)
		pkg := protocol.NewPackage(protocol.CmdHeartbeatRequest, uuid.New(), "", "", nil)
		if err := d.ch.WritePackage(pkg); err != nil {
			d.goReconnecting(err)
		}
		return
	}

	metrics.HeartbeatTimeouts.Inc()
	err := fmt.Errorf("heartbeat timed out after %s", d.cfg.HeartbeatTimeout)
	log.WithField("endpoint", d.endpoint).Warn("heartbeat timed out, faulting channel")
	d.emit(Event{Type: EventDisconnected, Endpoint: d.endpoint, Err: err})
	d.goReconnecting(err)
}

func (d *Driver) closeWithError(reason string, err error) {
	if d.phase == PhaseClosed {
		return
	}
	d.setPhase(PhaseClosed, ConnectingInvalid)

	if d.ch != nil {
		d.ch.Close()
		d.ch = nil
	}
	d.ops.CleanUp(err)
	d.subs.CleanUp(err)
	d.cancelBase()

	log.WithFields(log.Fields{"reason": reason, "error": err}).Info("connection closed")
	d.emit(Event{Type: EventClosed, Reason: reason, Err: err})
	close(d.done)
}
