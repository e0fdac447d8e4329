// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"go.evstore.io/tcp-driver/internal/operation"
	"go.evstore.io/tcp-driver/internal/protocol"
)

// baseOperation carries what every request/response operation shares: the
// completion promise, effective credentials and the expected response
// command. Concrete operations embed it and add their payloads.
type baseOperation[T any] struct {
	*promise[T]
	login    string
	password string
	respCmd  protocol.Command
}

func newBaseOperation[T any](login, password string, respCmd protocol.Command) baseOperation[T] {
	return baseOperation[T]{
		promise:  newPromise[T](),
		login:    login,
		password: password,
		respCmd:  respCmd,
	}
}

// Fail implements the manager-facing failure path.
func (o *baseOperation[T]) Fail(err error) {
	o.fail(err)
}

func (o *baseOperation[T]) pkg(cmd protocol.Command, id uuid.UUID, payload []byte) *protocol.Package {
	return protocol.NewPackage(cmd, id, o.login, o.password, payload)
}

// inspectForeign handles the response commands common to every operation:
// authentication rejections, malformed-request verdicts, NotHandled
// refusals and unexpected commands. It reports handled=false when the
// package carries the operation's own response command.
func (o *baseOperation[T]) inspectForeign(pkg *protocol.Package) (operation.Inspection, bool) {
	switch pkg.Command {
	case o.respCmd:
		return operation.Inspection{}, false

	case protocol.CmdNotAuthenticated:
		o.fail(ErrNotAuthenticated)
		return operation.Inspection{Decision: operation.DecideFail}, true

	case protocol.CmdBadRequest:
		o.fail(BadRequestError{Message: string(pkg.Payload)})
		return operation.Inspection{Decision: operation.DecideFail}, true

	case protocol.CmdNotHandled:
		var msg protocol.NotHandled
		if err := msg.Unmarshal(pkg.Payload); err != nil {
			o.fail(ServerError{Message: err.Error()})
			return operation.Inspection{Decision: operation.DecideFail}, true
		}
		switch msg.Reason {
		case protocol.NotHandledNotReady:
			return operation.Inspection{Decision: operation.DecideRetry, Description: "server not ready"}, true
		case protocol.NotHandledTooBusy:
			return operation.Inspection{Decision: operation.DecideRetry, Description: "server too busy"}, true
		case protocol.NotHandledNotMaster:
			endpoint := masterEndpoint(msg.MasterInfo)
			if endpoint == nil {
				return operation.Inspection{Decision: operation.DecideRetry, Description: "not master, endpoint unknown"}, true
			}
			return operation.Inspection{Decision: operation.DecideReconnect, Endpoint: endpoint}, true
		}
		o.fail(ServerError{Message: fmt.Sprintf("not handled, reason %d", msg.Reason)})
		return operation.Inspection{Decision: operation.DecideFail}, true
	}

	o.fail(CommandNotExpectedError{Expected: o.respCmd.String(), Actual: pkg.Command.String()})
	return operation.Inspection{Decision: operation.DecideFail}, true
}

// failDecision resolves the sink with err and retires the operation.
func (o *baseOperation[T]) failDecision(err error) operation.Inspection {
	o.fail(err)
	return operation.Inspection{Decision: operation.DecideFail}
}

func succeed() operation.Inspection {
	return operation.Inspection{Decision: operation.DecideSuccess}
}

func masterEndpoint(info *protocol.MasterInfo) *net.TCPAddr {
	if info == nil {
		return nil
	}
	addr := info.ExternalTCPAddress
	port := int(info.ExternalTCPPort)
	if addr == "" {
		addr = info.ExternalSecureTCPAddress
		port = int(info.ExternalSecureTCPPort)
	}
	ip := net.ParseIP(addr)
	if ip == nil || port == 0 {
		return nil
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

// writeResultFromWire converts write-completed coordinates.
func writeResultFromWire(lastEventNumber, preparePosition, commitPosition int64) *WriteResult {
	return &WriteResult{
		NextExpectedVersion: lastEventNumber,
		LogPosition:         Position{Commit: commitPosition, Prepare: preparePosition},
	}
}

// writeEventsOperation appends a batch of events to a stream.
type writeEventsOperation struct {
	baseOperation[*WriteResult]
	stream          string
	expectedVersion int64
	events          []protocol.NewEvent
	requireMaster   bool
}

func (o *writeEventsOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	msg := protocol.WriteEvents{
		EventStreamID:   o.stream,
		ExpectedVersion: o.expectedVersion,
		Events:          o.events,
		RequireMaster:   o.requireMaster,
	}
	return o.pkg(protocol.CmdWriteEvents, id, msg.Marshal()), nil
}

func (o *writeEventsOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.WriteEventsCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}
	switch m.Result {
	case protocol.OperationSuccess:
		o.complete(writeResultFromWire(m.LastEventNumber, m.PreparePosition, m.CommitPosition))
		return succeed()
	case protocol.OperationWrongExpectedVersion:
		return o.failDecision(WrongExpectedVersionError{Stream: o.stream, ExpectedVersion: o.expectedVersion})
	case protocol.OperationStreamDeleted:
		return o.failDecision(StreamDeletedError{Stream: o.stream})
	case protocol.OperationInvalidTransaction:
		return o.failDecision(ErrInvalidTransaction)
	case protocol.OperationAccessDenied:
		return o.failDecision(AccessDeniedError{Stream: o.stream})
	}
	if m.Result.Retriable() {
		return operation.Inspection{Decision: operation.DecideRetry, Description: m.Result.String()}
	}
	return o.failDecision(ServerError{Message: m.Message})
}

// deleteStreamOperation deletes a stream.
type deleteStreamOperation struct {
	baseOperation[*DeleteResult]
	stream          string
	expectedVersion int64
	hardDelete      bool
	requireMaster   bool
}

func (o *deleteStreamOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	msg := protocol.DeleteStream{
		EventStreamID:   o.stream,
		ExpectedVersion: o.expectedVersion,
		RequireMaster:   o.requireMaster,
		HardDelete:      o.hardDelete,
	}
	return o.pkg(protocol.CmdDeleteStream, id, msg.Marshal()), nil
}

func (o *deleteStreamOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.DeleteStreamCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}
	switch m.Result {
	case protocol.OperationSuccess:
		o.complete(&DeleteResult{LogPosition: Position{Commit: m.CommitPosition, Prepare: m.PreparePosition}})
		return succeed()
	case protocol.OperationWrongExpectedVersion:
		return o.failDecision(WrongExpectedVersionError{Stream: o.stream, ExpectedVersion: o.expectedVersion})
	case protocol.OperationStreamDeleted:
		return o.failDecision(StreamDeletedError{Stream: o.stream})
	case protocol.OperationAccessDenied:
		return o.failDecision(AccessDeniedError{Stream: o.stream})
	}
	if m.Result.Retriable() {
		return operation.Inspection{Decision: operation.DecideRetry, Description: m.Result.String()}
	}
	return o.failDecision(ServerError{Message: m.Message})
}

// transactionStartOperation opens a transaction.
type transactionStartOperation struct {
	baseOperation[int64]
	stream          string
	expectedVersion int64
	requireMaster   bool
}

func (o *transactionStartOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	msg := protocol.TransactionStart{
		EventStreamID:   o.stream,
		ExpectedVersion: o.expectedVersion,
		RequireMaster:   o.requireMaster,
	}
	return o.pkg(protocol.CmdTransactionStart, id, msg.Marshal()), nil
}

func (o *transactionStartOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.TransactionStartCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}
	switch m.Result {
	case protocol.OperationSuccess:
		o.complete(m.TransactionID)
		return succeed()
	case protocol.OperationWrongExpectedVersion:
		return o.failDecision(WrongExpectedVersionError{Stream: o.stream, ExpectedVersion: o.expectedVersion})
	case protocol.OperationStreamDeleted:
		return o.failDecision(StreamDeletedError{Stream: o.stream})
	case protocol.OperationAccessDenied:
		return o.failDecision(AccessDeniedError{Stream: o.stream})
	}
	if m.Result.Retriable() {
		return operation.Inspection{Decision: operation.DecideRetry, Description: m.Result.String()}
	}
	return o.failDecision(ServerError{Message: m.Message})
}

// transactionWriteOperation stages events in an open transaction.
type transactionWriteOperation struct {
	baseOperation[struct{}]
	transactionID int64
	events        []protocol.NewEvent
	requireMaster bool
}

func (o *transactionWriteOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	msg := protocol.TransactionWrite{
		TransactionID: o.transactionID,
		Events:        o.events,
		RequireMaster: o.requireMaster,
	}
	return o.pkg(protocol.CmdTransactionWrite, id, msg.Marshal()), nil
}

func (o *transactionWriteOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.TransactionWriteCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}
	switch m.Result {
	case protocol.OperationSuccess:
		o.complete(struct{}{})
		return succeed()
	case protocol.OperationAccessDenied:
		return o.failDecision(AccessDeniedError{})
	}
	if m.Result.Retriable() {
		return operation.Inspection{Decision: operation.DecideRetry, Description: m.Result.String()}
	}
	return o.failDecision(ServerError{Message: m.Message})
}

// transactionCommitOperation commits an open transaction.
type transactionCommitOperation struct {
	baseOperation[*WriteResult]
	transactionID int64
	stream        string
	requireMaster bool
}

func (o *transactionCommitOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	msg := protocol.TransactionCommit{
		TransactionID: o.transactionID,
		RequireMaster: o.requireMaster,
	}
	return o.pkg(protocol.CmdTransactionCommit, id, msg.Marshal()), nil
}

func (o *transactionCommitOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.TransactionCommitCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}
	switch m.Result {
	case protocol.OperationSuccess:
		o.complete(writeResultFromWire(m.LastEventNumber, m.PreparePosition, m.CommitPosition))
		return succeed()
	case protocol.OperationWrongExpectedVersion:
		return o.failDecision(WrongExpectedVersionError{Stream: o.stream})
	case protocol.OperationStreamDeleted:
		return o.failDecision(StreamDeletedError{Stream: o.stream})
	case protocol.OperationInvalidTransaction:
		return o.failDecision(ErrInvalidTransaction)
	case protocol.OperationAccessDenied:
		return o.failDecision(AccessDeniedError{Stream: o.stream})
	}
	if m.Result.Retriable() {
		return operation.Inspection{Decision: operation.DecideRetry, Description: m.Result.String()}
	}
	return o.failDecision(ServerError{Message: m.Message})
}

// readEventOperation reads one event.
type readEventOperation struct {
	baseOperation[*EventReadResult]
	stream         string
	eventNumber    int64
	resolveLinkTos bool
	requireMaster  bool
}

func (o *readEventOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	msg := protocol.ReadEvent{
		EventStreamID:  o.stream,
		EventNumber:    o.eventNumber,
		ResolveLinkTos: o.resolveLinkTos,
		RequireMaster:  o.requireMaster,
	}
	return o.pkg(protocol.CmdReadEvent, id, msg.Marshal()), nil
}

func (o *readEventOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.ReadEventCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}

	result := &EventReadResult{Stream: o.stream, EventNumber: o.eventNumber}
	switch m.Result {
	case protocol.ReadEventSuccess:
		ev := resolvedEventFromIndexed(&m.Event)
		result.Event = &ev
	case protocol.ReadEventNotFound:
		result.Status = EventReadNotFound
	case protocol.ReadEventNoStream:
		result.Status = EventReadNoStream
	case protocol.ReadEventStreamDeleted:
		result.Status = EventReadStreamDeleted
	case protocol.ReadEventError:
		return o.failDecision(ServerError{Message: m.Error})
	case protocol.ReadEventAccessDenied:
		return o.failDecision(AccessDeniedError{Stream: o.stream})
	default:
		return o.failDecision(ServerError{Message: fmt.Sprintf("unexpected read result %d", m.Result)})
	}
	o.complete(result)
	return succeed()
}

// readStreamOperation reads a bounded stream slice, forward or backward.
type readStreamOperation struct {
	baseOperation[*StreamEventsSlice]
	reqCmd         protocol.Command
	stream         string
	from           int64
	maxCount       int32
	resolveLinkTos bool
	requireMaster  bool
}

func (o *readStreamOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	msg := protocol.ReadStreamEvents{
		EventStreamID:   o.stream,
		FromEventNumber: o.from,
		MaxCount:        o.maxCount,
		ResolveLinkTos:  o.resolveLinkTos,
		RequireMaster:   o.requireMaster,
	}
	return o.pkg(o.reqCmd, id, msg.Marshal()), nil
}

func (o *readStreamOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.ReadStreamEventsCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}

	slice := &StreamEventsSlice{
		Stream:          o.stream,
		FromEventNumber: o.from,
		NextEventNumber: m.NextEventNumber,
		LastEventNumber: m.LastEventNumber,
		IsEndOfStream:   m.IsEndOfStream,
	}
	switch m.Result {
	case protocol.ReadStreamSuccess:
		slice.Events = make([]ResolvedEvent, len(m.Events))
		for i := range m.Events {
			slice.Events[i] = resolvedEventFromIndexed(&m.Events[i])
		}
	case protocol.ReadStreamNoStream:
		slice.Status = SliceReadStreamNotFound
		slice.IsEndOfStream = true
	case protocol.ReadStreamStreamDeleted:
		slice.Status = SliceReadStreamDeleted
		slice.IsEndOfStream = true
	case protocol.ReadStreamError:
		return o.failDecision(ServerError{Message: m.Error})
	case protocol.ReadStreamAccessDenied:
		return o.failDecision(AccessDeniedError{Stream: o.stream})
	default:
		return o.failDecision(ServerError{Message: fmt.Sprintf("unexpected read result %d", m.Result)})
	}
	o.complete(slice)
	return succeed()
}

// readAllOperation reads a bounded $all slice, forward or backward.
type readAllOperation struct {
	baseOperation[*AllEventsSlice]
	reqCmd         protocol.Command
	position       Position
	maxCount       int32
	resolveLinkTos bool
	requireMaster  bool
}

func (o *readAllOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	msg := protocol.ReadAllEvents{
		CommitPosition:  o.position.Commit,
		PreparePosition: o.position.Prepare,
		MaxCount:        o.maxCount,
		ResolveLinkTos:  o.resolveLinkTos,
		RequireMaster:   o.requireMaster,
	}
	return o.pkg(o.reqCmd, id, msg.Marshal()), nil
}

func (o *readAllOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.ReadAllEventsCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}

	switch m.Result {
	case protocol.ReadAllSuccess:
		slice := &AllEventsSlice{
			FromPosition: Position{Commit: m.CommitPosition, Prepare: m.PreparePosition},
			NextPosition: Position{Commit: m.NextCommitPosition, Prepare: m.NextPreparePosition},
			Events:       make([]ResolvedEvent, len(m.Events)),
		}
		for i := range m.Events {
			slice.Events[i] = resolvedEventFromWire(&m.Events[i])
		}
		o.complete(slice)
		return succeed()
	case protocol.ReadAllError:
		return o.failDecision(ServerError{Message: m.Error})
	case protocol.ReadAllAccessDenied:
		return o.failDecision(AccessDeniedError{Stream: "$all"})
	}
	return o.failDecision(ServerError{Message: fmt.Sprintf("unexpected read result %d", m.Result)})
}

// persistentManagementOperation creates, updates or deletes a
// competing-consumer group.
type persistentManagementOperation struct {
	baseOperation[struct{}]
	reqCmd  protocol.Command
	stream  string
	group   string
	payload []byte
}

func (o *persistentManagementOperation) CreatePackage(id uuid.UUID) (*protocol.Package, error) {
	return o.pkg(o.reqCmd, id, o.payload), nil
}

func (o *persistentManagementOperation) Inspect(pkg *protocol.Package) operation.Inspection {
	if insp, handled := o.inspectForeign(pkg); handled {
		return insp
	}
	var m protocol.PersistentSubscriptionManagementCompleted
	if err := m.Unmarshal(pkg.Payload); err != nil {
		return o.failDecision(ServerError{Message: err.Error()})
	}
	switch m.Result {
	case protocol.PersistentSubscriptionCreateSuccess:
		o.complete(struct{}{})
		return succeed()
	case protocol.PersistentSubscriptionCreateAlreadyExists:
		return o.failDecision(fmt.Errorf("persistent subscription group %q on stream %q already exists", o.group, o.stream))
	case protocol.PersistentSubscriptionCreateDoesNotExist:
		return o.failDecision(fmt.Errorf("persistent subscription group %q on stream %q does not exist", o.group, o.stream))
	case protocol.PersistentSubscriptionCreateAccessDenied:
		return o.failDecision(AccessDeniedError{Stream: o.stream})
	}
	return o.failDecision(ServerError{Message: m.Reason})
}
