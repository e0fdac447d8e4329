// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package protocol

import "github.com/google/uuid"

// Content type codes carried on event records.
const (
	ContentTypeBinary int32 = 0
	ContentTypeJSON   int32 = 1
)

// NewEvent is a client-supplied event inside a write or transaction-write
// payload.
type NewEvent struct {
	EventID             uuid.UUID
	EventType           string
	DataContentType     int32
	MetadataContentType int32
	Data                []byte
	Metadata            []byte
}

func (e *NewEvent) append(w *wireWriter) {
	w.putUUID(e.EventID)
	w.putString(e.EventType)
	w.putInt32(e.DataContentType)
	w.putInt32(e.MetadataContentType)
	w.putBytes(e.Data)
	w.putBytes(e.Metadata)
}

func (e *NewEvent) read(r *wireReader) {
	e.EventID = r.uuid()
	e.EventType = r.string()
	e.DataContentType = r.int32()
	e.MetadataContentType = r.int32()
	e.Data = r.bytes()
	e.Metadata = r.bytes()
}

// EventRecord is a stored event as returned by the server. CreatedEpoch is
// milliseconds since the Unix epoch.
type EventRecord struct {
	EventStreamID       string
	EventNumber         int64
	EventID             uuid.UUID
	EventType           string
	DataContentType     int32
	MetadataContentType int32
	Data                []byte
	Metadata            []byte
	CreatedEpoch        int64
}

func (e *EventRecord) append(w *wireWriter) {
	w.putString(e.EventStreamID)
	w.putInt64(e.EventNumber)
	w.putUUID(e.EventID)
	w.putString(e.EventType)
	w.putInt32(e.DataContentType)
	w.putInt32(e.MetadataContentType)
	w.putBytes(e.Data)
	w.putBytes(e.Metadata)
	w.putInt64(e.CreatedEpoch)
}

func (e *EventRecord) read(r *wireReader) {
	e.EventStreamID = r.string()
	e.EventNumber = r.int64()
	e.EventID = r.uuid()
	e.EventType = r.string()
	e.DataContentType = r.int32()
	e.MetadataContentType = r.int32()
	e.Data = r.bytes()
	e.Metadata = r.bytes()
	e.CreatedEpoch = r.int64()
}

// appendOptionalRecord writes a presence byte followed by the record when
// present.
func appendOptionalRecord(w *wireWriter, e *EventRecord) {
	if e == nil {
		w.putBool(false)
		return
	}
	w.putBool(true)
	e.append(w)
}

func readOptionalRecord(r *wireReader) *EventRecord {
	if !r.bool() {
		return nil
	}
	e := new(EventRecord)
	e.read(r)
	return e
}

// ResolvedIndexedEvent is an event read from a stream, possibly resolved
// through a link event. Event may be nil when the link target was deleted.
type ResolvedIndexedEvent struct {
	Event *EventRecord
	Link  *EventRecord
}

func (e *ResolvedIndexedEvent) append(w *wireWriter) {
	appendOptionalRecord(w, e.Event)
	appendOptionalRecord(w, e.Link)
}

func (e *ResolvedIndexedEvent) read(r *wireReader) {
	e.Event = readOptionalRecord(r)
	e.Link = readOptionalRecord(r)
}

// ResolvedEvent is an event read from $all or pushed by a subscription; it
// additionally carries the event's position in the global log.
type ResolvedEvent struct {
	Event           *EventRecord
	Link            *EventRecord
	CommitPosition  int64
	PreparePosition int64
}

func (e *ResolvedEvent) append(w *wireWriter) {
	appendOptionalRecord(w, e.Event)
	appendOptionalRecord(w, e.Link)
	w.putInt64(e.CommitPosition)
	w.putInt64(e.PreparePosition)
}

func (e *ResolvedEvent) read(r *wireReader) {
	e.Event = readOptionalRecord(r)
	e.Link = readOptionalRecord(r)
	e.CommitPosition = r.int64()
	e.PreparePosition = r.int64()
}
