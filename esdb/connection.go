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
	"net"

	"go.evstore.io/tcp-driver/internal/connection"
	"go.evstore.io/tcp-driver/internal/operation"
	"go.evstore.io/tcp-driver/internal/protocol"
)

// maxReadSliceSize is the server-imposed ceiling on slice reads.
const maxReadSliceSize = 4096

// Connection is a logical connection to an event store node or cluster. It
// is safe for concurrent use; create one per process and share it.
type Connection struct {
	settings Settings
	driver   *connection.Driver
}

// Connect builds a connection from settings and starts establishing it in
// the background. Operations issued before the connection is up are queued
// and dispatched once it is.
func Connect(settings Settings) (*Connection, error) {
	tlsConfig, err := settings.tlsConfig()
	if err != nil {
		return nil, err
	}

	var discoverer connection.EndpointDiscoverer
	if settings.Address != "" {
		addr, err := net.ResolveTCPAddr("tcp", settings.Address)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", settings.Address, err)
		}
		discoverer = &connection.StaticEndpointDiscoverer{Endpoint: addr, Secure: settings.TLS.Enabled}
	} else {
		discoverer = connection.NewClusterEndpointDiscoverer(connection.ClusterConfig{
			GossipSeeds:             settings.GossipSeeds,
			MaxDiscoverAttempts:     settings.ClusterDiscoveryAttempts,
			DiscoverAttemptInterval: settings.ClusterDiscoveryInterval,
			GossipTimeout:           settings.GossipTimeout,
		})
	}

	cfg := connection.Config{
		ConnectionName:                settings.ConnectionName,
		ReconnectionDelay:             settings.ReconnectionDelay,
		MaxReconnections:              settings.MaxReconnections,
		HeartbeatInterval:             settings.HeartbeatInterval,
		HeartbeatTimeout:              settings.HeartbeatTimeout,
		ConnectTimeout:                settings.ConnectTimeout,
		OperationTimeout:              settings.OperationTimeout,
		OperationTimeoutCheckInterval: settings.OperationTimeoutCheckInterval,
		TLSConfig:                     tlsConfig,
	}
	if settings.DefaultCredentials != nil {
		cfg.DefaultLogin = settings.DefaultCredentials.Login
		cfg.DefaultPassword = settings.DefaultCredentials.Password
	}

	opCfg := operation.Config{
		MaxQueueSize:           settings.MaxOperationQueueSize,
		MaxConcurrent:          settings.MaxConcurrentOperations,
		MaxRetries:             settings.MaxOperationRetries,
		Timeout:                settings.OperationTimeout,
		FailOnNoServerResponse: settings.FailOnNoServerResponse,
	}

	c := &Connection{
		settings: settings,
		driver:   connection.NewDriver(cfg, opCfg, discoverer),
	}
	if err := c.driver.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close tears the connection down. Pending operations fail with
// ErrConnectionClosed and subscriptions are dropped. Close is idempotent.
func (c *Connection) Close() error {
	return c.driver.Close()
}

// Settings returns the connection's configuration.
func (c *Connection) Settings() Settings {
	return c.settings
}

// credentials resolves the effective credentials of an operation.
func (c *Connection) credentials(override *UserCredentials) (string, string) {
	if override != nil {
		return override.Login, override.Password
	}
	if c.settings.DefaultCredentials != nil {
		return c.settings.DefaultCredentials.Login, c.settings.DefaultCredentials.Password
	}
	return "", ""
}

// driverWriter adapts the driver's send path to the managers' writer
// contract for subscription-owned traffic.
type driverWriter struct {
	driver *connection.Driver
}

func (w driverWriter) WritePackage(pkg *protocol.Package) error {
	return w.driver.SendPackage(pkg)
}

func validateStream(stream string) error {
	if stream == "" {
		return errors.New("stream name must not be empty")
	}
	return nil
}

// OnConnected registers fn to run whenever the connection reaches the
// Connected phase, including after reconnects. It returns a handle for
// RemoveListener.
func (c *Connection) OnConnected(fn func(endpoint *net.TCPAddr)) uint64 {
	return c.driver.SubscribeEvents(func(ev connection.Event) {
		if ev.Type == connection.EventConnected {
			fn(ev.Endpoint)
		}
	})
}

// OnDisconnected registers fn to run when the channel is lost.
func (c *Connection) OnDisconnected(fn func(endpoint *net.TCPAddr, err error)) uint64 {
	return c.driver.SubscribeEvents(func(ev connection.Event) {
		if ev.Type == connection.EventDisconnected {
			fn(ev.Endpoint, ev.Err)
		}
	})
}

// OnReconnecting registers fn to run when a reconnection attempt starts.
func (c *Connection) OnReconnecting(fn func()) uint64 {
	return c.driver.SubscribeEvents(func(ev connection.Event) {
		if ev.Type == connection.EventReconnecting {
			fn()
		}
	})
}

// OnClosed registers fn to run when the connection closes for good.
func (c *Connection) OnClosed(fn func(reason string, err error)) uint64 {
	return c.driver.SubscribeEvents(func(ev connection.Event) {
		if ev.Type == connection.EventClosed {
			fn(ev.Reason, ev.Err)
		}
	})
}

// OnAuthenticationFailed registers fn to run when the server rejects the
// configured credentials.
func (c *Connection) OnAuthenticationFailed(fn func(err error)) uint64 {
	return c.driver.SubscribeEvents(func(ev connection.Event) {
		if ev.Type == connection.EventAuthenticationFailed {
			fn(ev.Err)
		}
	})
}

// OnError registers fn to run on connection-level errors.
func (c *Connection) OnError(fn func(err error)) uint64 {
	return c.driver.SubscribeEvents(func(ev connection.Event) {
		if ev.Type == connection.EventErrorOccurred {
			fn(ev.Err)
		}
	})
}

// RemoveListener deregisters a listener returned by the On* methods.
func (c *Connection) RemoveListener(id uint64) {
	c.driver.UnsubscribeEvents(id)
}

// execute enqueues op and awaits its resolution.
func execute[T any](ctx context.Context, c *Connection, op interface {
	operation.Operation
	await(ctx context.Context) (T, error)
}) (T, error) {
	if err := c.driver.EnqueueOperation(op); err != nil {
		var zero T
		return zero, err
	}
	return op.await(ctx)
}

// AppendToStream appends events to a stream under an expected-version
// check. creds may be nil to use the connection defaults.
func (c *Connection) AppendToStream(ctx context.Context, stream string, expectedVersion int64, events []EventData, creds *UserCredentials) (*WriteResult, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}
	if err := validateExpectedVersion(expectedVersion); err != nil {
		return nil, err
	}

	login, password := c.credentials(creds)
	op := &writeEventsOperation{
		baseOperation:   newBaseOperation[*WriteResult](login, password, protocol.CmdWriteEventsCompleted),
		stream:          stream,
		expectedVersion: expectedVersion,
		events:          newEventsFromData(events),
		requireMaster:   c.settings.RequireMaster,
	}
	return execute[*WriteResult](ctx, c, op)
}

// DeleteStream deletes a stream. A hard delete tombstones it permanently;
// a soft delete allows it to be recreated by a later append.
func (c *Connection) DeleteStream(ctx context.Context, stream string, expectedVersion int64, hardDelete bool, creds *UserCredentials) (*DeleteResult, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}
	if err := validateExpectedVersion(expectedVersion); err != nil {
		return nil, err
	}

	login, password := c.credentials(creds)
	op := &deleteStreamOperation{
		baseOperation:   newBaseOperation[*DeleteResult](login, password, protocol.CmdDeleteStreamCompleted),
		stream:          stream,
		expectedVersion: expectedVersion,
		hardDelete:      hardDelete,
		requireMaster:   c.settings.RequireMaster,
	}
	return execute[*DeleteResult](ctx, c, op)
}

// ReadEvent reads a single event from a stream. eventNumber -1 reads the
// last event.
func (c *Connection) ReadEvent(ctx context.Context, stream string, eventNumber int64, resolveLinkTos bool, creds *UserCredentials) (*EventReadResult, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}
	if eventNumber < -1 {
		return nil, fmt.Errorf("event number %d out of range", eventNumber)
	}

	login, password := c.credentials(creds)
	op := &readEventOperation{
		baseOperation:  newBaseOperation[*EventReadResult](login, password, protocol.CmdReadEventCompleted),
		stream:         stream,
		eventNumber:    eventNumber,
		resolveLinkTos: resolveLinkTos,
		requireMaster:  c.settings.RequireMaster,
	}
	return execute[*EventReadResult](ctx, c, op)
}

func (c *Connection) readStream(ctx context.Context, cmd protocol.Command, respCmd protocol.Command, stream string, from int64, count int, resolveLinkTos bool, creds *UserCredentials) (*StreamEventsSlice, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}
	if count <= 0 || count > maxReadSliceSize {
		return nil, fmt.Errorf("count must be in (0, %d], got %d", maxReadSliceSize, count)
	}

	login, password := c.credentials(creds)
	op := &readStreamOperation{
		baseOperation:  newBaseOperation[*StreamEventsSlice](login, password, respCmd),
		reqCmd:         cmd,
		stream:         stream,
		from:           from,
		maxCount:       int32(count),
		resolveLinkTos: resolveLinkTos,
		requireMaster:  c.settings.RequireMaster,
	}
	return execute[*StreamEventsSlice](ctx, c, op)
}

// ReadStreamEventsForward reads a bounded slice of a stream in stored
// order, starting at event number start.
func (c *Connection) ReadStreamEventsForward(ctx context.Context, stream string, start int64, count int, resolveLinkTos bool, creds *UserCredentials) (*StreamEventsSlice, error) {
	if start < 0 {
		return nil, fmt.Errorf("start must be non-negative, got %d", start)
	}
	return c.readStream(ctx, protocol.CmdReadStreamEventsForward, protocol.CmdReadStreamEventsForwardCompleted,
		stream, start, count, resolveLinkTos, creds)
}

// ReadStreamEventsBackward reads a bounded slice of a stream in reverse
// order, starting at event number start; -1 starts from the end.
func (c *Connection) ReadStreamEventsBackward(ctx context.Context, stream string, start int64, count int, resolveLinkTos bool, creds *UserCredentials) (*StreamEventsSlice, error) {
	if start < -1 {
		return nil, fmt.Errorf("start must be -1 or above, got %d", start)
	}
	return c.readStream(ctx, protocol.CmdReadStreamEventsBackward, protocol.CmdReadStreamEventsBackwardCompleted,
		stream, start, count, resolveLinkTos, creds)
}

func (c *Connection) readAll(ctx context.Context, cmd protocol.Command, respCmd protocol.Command, position Position, maxCount int, resolveLinkTos bool, creds *UserCredentials) (*AllEventsSlice, error) {
	if maxCount <= 0 || maxCount > maxReadSliceSize {
		return nil, fmt.Errorf("maxCount must be in (0, %d], got %d", maxReadSliceSize, maxCount)
	}

	login, password := c.credentials(creds)
	op := &readAllOperation{
		baseOperation:  newBaseOperation[*AllEventsSlice](login, password, respCmd),
		reqCmd:         cmd,
		position:       position,
		maxCount:       int32(maxCount),
		resolveLinkTos: resolveLinkTos,
		requireMaster:  c.settings.RequireMaster,
	}
	return execute[*AllEventsSlice](ctx, c, op)
}

// ReadAllEventsForward reads a bounded slice of $all in log order starting
// at position.
func (c *Connection) ReadAllEventsForward(ctx context.Context, position Position, maxCount int, resolveLinkTos bool, creds *UserCredentials) (*AllEventsSlice, error) {
	return c.readAll(ctx, protocol.CmdReadAllEventsForward, protocol.CmdReadAllEventsForwardCompleted,
		position, maxCount, resolveLinkTos, creds)
}

// ReadAllEventsBackward reads a bounded slice of $all in reverse log order
// starting at position; EndPosition starts from the newest event.
func (c *Connection) ReadAllEventsBackward(ctx context.Context, position Position, maxCount int, resolveLinkTos bool, creds *UserCredentials) (*AllEventsSlice, error) {
	return c.readAll(ctx, protocol.CmdReadAllEventsBackward, protocol.CmdReadAllEventsBackwardCompleted,
		position, maxCount, resolveLinkTos, creds)
}

// SetStreamMetadata writes structured metadata for a stream, guarded by the
// metastream's expected version.
func (c *Connection) SetStreamMetadata(ctx context.Context, stream string, expectedMetastreamVersion int64, metadata StreamMetadata, creds *UserCredentials) (*WriteResult, error) {
	raw, err := metadata.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return c.SetStreamMetadataRaw(ctx, stream, expectedMetastreamVersion, raw, creds)
}

// SetStreamMetadataRaw writes verbatim metadata bytes for a stream.
func (c *Connection) SetStreamMetadataRaw(ctx context.Context, stream string, expectedMetastreamVersion int64, metadata []byte, creds *UserCredentials) (*WriteResult, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}
	if len(stream) >= len(metastreamPrefix) && stream[:len(metastreamPrefix)] == metastreamPrefix {
		return nil, fmt.Errorf("setting metadata of metastream %q is not supported", stream)
	}

	event := EventData{
		Type:   streamMetadataEventType,
		IsJSON: true,
		Data:   metadata,
	}
	return c.AppendToStream(ctx, metastreamOf(stream), expectedMetastreamVersion, []EventData{event}, creds)
}

// GetStreamMetadata reads a stream's metadata. A stream with no metadata
// yields an empty Raw and MetastreamVersion -1.
func (c *Connection) GetStreamMetadata(ctx context.Context, stream string, creds *UserCredentials) (StreamMetadataResult, error) {
	if err := validateStream(stream); err != nil {
		return StreamMetadataResult{}, err
	}

	res, err := c.ReadEvent(ctx, metastreamOf(stream), -1, false, creds)
	if err != nil {
		return StreamMetadataResult{}, err
	}

	switch res.Status {
	case EventReadSuccess:
		ev := res.Event.OriginalEvent()
		return StreamMetadataResult{
			Stream:            stream,
			MetastreamVersion: ev.EventNumber,
			Raw:               ev.Data,
		}, nil
	case EventReadNotFound, EventReadNoStream:
		return StreamMetadataResult{Stream: stream, MetastreamVersion: -1}, nil
	case EventReadStreamDeleted:
		return StreamMetadataResult{Stream: stream, IsDeleted: true, MetastreamVersion: -1}, nil
	}
	return StreamMetadataResult{}, ServerError{Message: "unexpected metadata read status"}
}

// CreatePersistentSubscription creates a competing-consumer group on a
// stream.
func (c *Connection) CreatePersistentSubscription(ctx context.Context, stream, group string, settings PersistentSubscriptionSettings, creds *UserCredentials) error {
	return c.managePersistentSubscription(ctx, protocol.CmdCreatePersistentSubscription,
		protocol.CmdCreatePersistentSubscriptionCompleted, stream, group, &settings, creds)
}

// UpdatePersistentSubscription updates a competing-consumer group.
func (c *Connection) UpdatePersistentSubscription(ctx context.Context, stream, group string, settings PersistentSubscriptionSettings, creds *UserCredentials) error {
	return c.managePersistentSubscription(ctx, protocol.CmdUpdatePersistentSubscription,
		protocol.CmdUpdatePersistentSubscriptionCompleted, stream, group, &settings, creds)
}

// DeletePersistentSubscription deletes a competing-consumer group.
func (c *Connection) DeletePersistentSubscription(ctx context.Context, stream, group string, creds *UserCredentials) error {
	return c.managePersistentSubscription(ctx, protocol.CmdDeletePersistentSubscription,
		protocol.CmdDeletePersistentSubscriptionCompleted, stream, group, nil, creds)
}

func (c *Connection) managePersistentSubscription(ctx context.Context, cmd, respCmd protocol.Command, stream, group string, settings *PersistentSubscriptionSettings, creds *UserCredentials) error {
	if err := validateStream(stream); err != nil {
		return err
	}
	if group == "" {
		return errors.New("group name must not be empty")
	}

	var payload []byte
	if settings != nil {
		msg := protocol.CreatePersistentSubscription{
			SubscriptionGroupName: group,
			EventStreamID:         stream,
			Settings:              settings.wire(),
		}
		payload = msg.Marshal()
	} else {
		msg := protocol.DeletePersistentSubscription{
			SubscriptionGroupName: group,
			EventStreamID:         stream,
		}
		payload = msg.Marshal()
	}

	login, password := c.credentials(creds)
	op := &persistentManagementOperation{
		baseOperation: newBaseOperation[struct{}](login, password, respCmd),
		reqCmd:        cmd,
		stream:        stream,
		group:         group,
		payload:       payload,
	}
	_, err := execute[struct{}](ctx, c, op)
	return err
}
