// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package protocol

// WriteEvents asks the server to append events to a stream under an
// expected-version check.
type WriteEvents struct {
	EventStreamID   string
	ExpectedVersion int64
	Events          []NewEvent
	RequireMaster   bool
}

// Marshal encodes the message payload.
func (m *WriteEvents) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.EventStreamID)
	w.putInt64(m.ExpectedVersion)
	w.putInt32(int32(len(m.Events)))
	for i := range m.Events {
		m.Events[i].append(w)
	}
	w.putBool(m.RequireMaster)
	return w.buf
}

// Unmarshal decodes the message payload.
func (m *WriteEvents) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.EventStreamID = r.string()
	m.ExpectedVersion = r.int64()
	n := r.int32()
	if n > 0 {
		m.Events = make([]NewEvent, n)
		for i := range m.Events {
			m.Events[i].read(r)
		}
	}
	m.RequireMaster = r.bool()
	return r.finish()
}

// WriteEventsCompleted reports the outcome of a WriteEvents request.
type WriteEventsCompleted struct {
	Result           OperationResult
	Message          string
	FirstEventNumber int64
	LastEventNumber  int64
	PreparePosition  int64
	CommitPosition   int64
}

func (m *WriteEventsCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt32(int32(m.Result))
	w.putString(m.Message)
	w.putInt64(m.FirstEventNumber)
	w.putInt64(m.LastEventNumber)
	w.putInt64(m.PreparePosition)
	w.putInt64(m.CommitPosition)
	return w.buf
}

func (m *WriteEventsCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Result = OperationResult(r.int32())
	m.Message = r.string()
	m.FirstEventNumber = r.int64()
	m.LastEventNumber = r.int64()
	m.PreparePosition = r.int64()
	m.CommitPosition = r.int64()
	return r.finish()
}

// DeleteStream asks the server to delete a stream. HardDelete tombstones the
// stream permanently.
type DeleteStream struct {
	EventStreamID   string
	ExpectedVersion int64
	RequireMaster   bool
	HardDelete      bool
}

func (m *DeleteStream) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.EventStreamID)
	w.putInt64(m.ExpectedVersion)
	w.putBool(m.RequireMaster)
	w.putBool(m.HardDelete)
	return w.buf
}

func (m *DeleteStream) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.EventStreamID = r.string()
	m.ExpectedVersion = r.int64()
	m.RequireMaster = r.bool()
	m.HardDelete = r.bool()
	return r.finish()
}

// DeleteStreamCompleted reports the outcome of a DeleteStream request.
type DeleteStreamCompleted struct {
	Result          OperationResult
	Message         string
	PreparePosition int64
	CommitPosition  int64
}

func (m *DeleteStreamCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt32(int32(m.Result))
	w.putString(m.Message)
	w.putInt64(m.PreparePosition)
	w.putInt64(m.CommitPosition)
	return w.buf
}

func (m *DeleteStreamCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Result = OperationResult(r.int32())
	m.Message = r.string()
	m.PreparePosition = r.int64()
	m.CommitPosition = r.int64()
	return r.finish()
}

// TransactionStart opens a transaction against a stream.
type TransactionStart struct {
	EventStreamID   string
	ExpectedVersion int64
	RequireMaster   bool
}

func (m *TransactionStart) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.EventStreamID)
	w.putInt64(m.ExpectedVersion)
	w.putBool(m.RequireMaster)
	return w.buf
}

func (m *TransactionStart) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.EventStreamID = r.string()
	m.ExpectedVersion = r.int64()
	m.RequireMaster = r.bool()
	return r.finish()
}

// TransactionStartCompleted reports the outcome of TransactionStart.
type TransactionStartCompleted struct {
	TransactionID int64
	Result        OperationResult
	Message       string
}

func (m *TransactionStartCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.TransactionID)
	w.putInt32(int32(m.Result))
	w.putString(m.Message)
	return w.buf
}

func (m *TransactionStartCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.TransactionID = r.int64()
	m.Result = OperationResult(r.int32())
	m.Message = r.string()
	return r.finish()
}

// TransactionWrite stages events inside an open transaction.
type TransactionWrite struct {
	TransactionID int64
	Events        []NewEvent
	RequireMaster bool
}

func (m *TransactionWrite) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.TransactionID)
	w.putInt32(int32(len(m.Events)))
	for i := range m.Events {
		m.Events[i].append(w)
	}
	w.putBool(m.RequireMaster)
	return w.buf
}

func (m *TransactionWrite) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.TransactionID = r.int64()
	n := r.int32()
	if n > 0 {
		m.Events = make([]NewEvent, n)
		for i := range m.Events {
			m.Events[i].read(r)
		}
	}
	m.RequireMaster = r.bool()
	return r.finish()
}

// TransactionWriteCompleted reports the outcome of TransactionWrite.
type TransactionWriteCompleted struct {
	TransactionID int64
	Result        OperationResult
	Message       string
}

func (m *TransactionWriteCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.TransactionID)
	w.putInt32(int32(m.Result))
	w.putString(m.Message)
	return w.buf
}

func (m *TransactionWriteCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.TransactionID = r.int64()
	m.Result = OperationResult(r.int32())
	m.Message = r.string()
	return r.finish()
}

// TransactionCommit commits an open transaction.
type TransactionCommit struct {
	TransactionID int64
	RequireMaster bool
}

func (m *TransactionCommit) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.TransactionID)
	w.putBool(m.RequireMaster)
	return w.buf
}

func (m *TransactionCommit) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.TransactionID = r.int64()
	m.RequireMaster = r.bool()
	return r.finish()
}

// TransactionCommitCompleted reports the outcome of TransactionCommit.
type TransactionCommitCompleted struct {
	TransactionID    int64
	Result           OperationResult
	Message          string
	FirstEventNumber int64
	LastEventNumber  int64
	PreparePosition  int64
	CommitPosition   int64
}

func (m *TransactionCommitCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.TransactionID)
	w.putInt32(int32(m.Result))
	w.putString(m.Message)
	w.putInt64(m.FirstEventNumber)
	w.putInt64(m.LastEventNumber)
	w.putInt64(m.PreparePosition)
	w.putInt64(m.CommitPosition)
	return w.buf
}

func (m *TransactionCommitCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.TransactionID = r.int64()
	m.Result = OperationResult(r.int32())
	m.Message = r.string()
	m.FirstEventNumber = r.int64()
	m.LastEventNumber = r.int64()
	m.PreparePosition = r.int64()
	m.CommitPosition = r.int64()
	return r.finish()
}

// ReadEvent asks for a single event of a stream by number. -1 reads the last
// event.
type ReadEvent struct {
	EventStreamID  string
	EventNumber    int64
	ResolveLinkTos bool
	RequireMaster  bool
}

func (m *ReadEvent) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.EventStreamID)
	w.putInt64(m.EventNumber)
	w.putBool(m.ResolveLinkTos)
	w.putBool(m.RequireMaster)
	return w.buf
}

func (m *ReadEvent) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.EventStreamID = r.string()
	m.EventNumber = r.int64()
	m.ResolveLinkTos = r.bool()
	m.RequireMaster = r.bool()
	return r.finish()
}

// ReadEventCompleted carries the result of a single-event read.
type ReadEventCompleted struct {
	Result ReadEventResult
	Event  ResolvedIndexedEvent
	Error  string
}

func (m *ReadEventCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt32(int32(m.Result))
	m.Event.append(w)
	w.putString(m.Error)
	return w.buf
}

func (m *ReadEventCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.Result = ReadEventResult(r.int32())
	m.Event.read(r)
	m.Error = r.string()
	return r.finish()
}

// ReadStreamEvents asks for a bounded slice of a stream, forward or backward
// depending on the command tag it travels under.
type ReadStreamEvents struct {
	EventStreamID   string
	FromEventNumber int64
	MaxCount        int32
	ResolveLinkTos  bool
	RequireMaster   bool
}

func (m *ReadStreamEvents) Marshal() []byte {
	w := &wireWriter{}
	w.putString(m.EventStreamID)
	w.putInt64(m.FromEventNumber)
	w.putInt32(m.MaxCount)
	w.putBool(m.ResolveLinkTos)
	w.putBool(m.RequireMaster)
	return w.buf
}

func (m *ReadStreamEvents) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.EventStreamID = r.string()
	m.FromEventNumber = r.int64()
	m.MaxCount = r.int32()
	m.ResolveLinkTos = r.bool()
	m.RequireMaster = r.bool()
	return r.finish()
}

// ReadStreamEventsCompleted carries one slice of a stream read.
type ReadStreamEventsCompleted struct {
	Events             []ResolvedIndexedEvent
	Result             ReadStreamResult
	NextEventNumber    int64
	LastEventNumber    int64
	IsEndOfStream      bool
	LastCommitPosition int64
	Error              string
}

func (m *ReadStreamEventsCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt32(int32(len(m.Events)))
	for i := range m.Events {
		m.Events[i].append(w)
	}
	w.putInt32(int32(m.Result))
	w.putInt64(m.NextEventNumber)
	w.putInt64(m.LastEventNumber)
	w.putBool(m.IsEndOfStream)
	w.putInt64(m.LastCommitPosition)
	w.putString(m.Error)
	return w.buf
}

func (m *ReadStreamEventsCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	n := r.int32()
	if n > 0 {
		m.Events = make([]ResolvedIndexedEvent, n)
		for i := range m.Events {
			m.Events[i].read(r)
		}
	}
	m.Result = ReadStreamResult(r.int32())
	m.NextEventNumber = r.int64()
	m.LastEventNumber = r.int64()
	m.IsEndOfStream = r.bool()
	m.LastCommitPosition = r.int64()
	m.Error = r.string()
	return r.finish()
}

// ReadAllEvents asks for a bounded slice of the $all stream from a
// commit/prepare position.
type ReadAllEvents struct {
	CommitPosition  int64
	PreparePosition int64
	MaxCount        int32
	ResolveLinkTos  bool
	RequireMaster   bool
}

func (m *ReadAllEvents) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.CommitPosition)
	w.putInt64(m.PreparePosition)
	w.putInt32(m.MaxCount)
	w.putBool(m.ResolveLinkTos)
	w.putBool(m.RequireMaster)
	return w.buf
}

func (m *ReadAllEvents) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.CommitPosition = r.int64()
	m.PreparePosition = r.int64()
	m.MaxCount = r.int32()
	m.ResolveLinkTos = r.bool()
	m.RequireMaster = r.bool()
	return r.finish()
}

// ReadAllEventsCompleted carries one slice of an $all read.
type ReadAllEventsCompleted struct {
	CommitPosition      int64
	PreparePosition     int64
	Events              []ResolvedEvent
	NextCommitPosition  int64
	NextPreparePosition int64
	Result              ReadAllResult
	Error               string
}

func (m *ReadAllEventsCompleted) Marshal() []byte {
	w := &wireWriter{}
	w.putInt64(m.CommitPosition)
	w.putInt64(m.PreparePosition)
	w.putInt32(int32(len(m.Events)))
	for i := range m.Events {
		m.Events[i].append(w)
	}
	w.putInt64(m.NextCommitPosition)
	w.putInt64(m.NextPreparePosition)
	w.putInt32(int32(m.Result))
	w.putString(m.Error)
	return w.buf
}

func (m *ReadAllEventsCompleted) Unmarshal(data []byte) error {
	r := newWireReader(data)
	m.CommitPosition = r.int64()
	m.PreparePosition = r.int64()
	n := r.int32()
	if n > 0 {
		m.Events = make([]ResolvedEvent, n)
		for i := range m.Events {
			m.Events[i].read(r)
		}
	}
	m.NextCommitPosition = r.int64()
	m.NextPreparePosition = r.int64()
	m.Result = ReadAllResult(r.int32())
	m.Error = r.string()
	return r.finish()
}
