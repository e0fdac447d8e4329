// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"time"

	"github.com/google/uuid"

	"go.evstore.io/tcp-driver/internal/protocol"
)

// EventData is an event to be appended. EventID deduplicates writes; a zero
// id is replaced with a fresh one at append time.
type EventData struct {
	EventID  uuid.UUID
	Type     string
	IsJSON   bool
	Data     []byte
	Metadata []byte
}

// RecordedEvent is a stored event read back from the server.
type RecordedEvent struct {
	EventStreamID string
	EventNumber   int64
	EventID       uuid.UUID
	EventType     string
	IsJSON        bool
	Data          []byte
	Metadata      []byte
	Created       time.Time
}

// ResolvedEvent is an event possibly dereferenced through a link event. When
// the event was read through a link, Link is the pointer event and Event the
// target; otherwise Link is nil.
type ResolvedEvent struct {
	Event *RecordedEvent
	Link  *RecordedEvent

	// OriginalPosition is the event's position in $all; nil on stream
	// reads.
	OriginalPosition *Position
}

// OriginalEvent returns the record as it appeared in the subscribed or read
// stream: the link when one is present, the event otherwise.
func (e *ResolvedEvent) OriginalEvent() *RecordedEvent {
	if e.Link != nil {
		return e.Link
	}
	return e.Event
}

// OriginalStreamID returns the stream the event was read or received from.
func (e *ResolvedEvent) OriginalStreamID() string {
	return e.OriginalEvent().EventStreamID
}

// OriginalEventNumber returns the event's number in the stream it was read
// or received from.
func (e *ResolvedEvent) OriginalEventNumber() int64 {
	return e.OriginalEvent().EventNumber
}

// IsResolved reports whether the event was dereferenced through a link.
func (e *ResolvedEvent) IsResolved() bool {
	return e.Link != nil && e.Event != nil
}

func newEventFromData(e EventData) protocol.NewEvent {
	id := e.EventID
	if id == uuid.Nil {
		id = uuid.New()
	}
	contentType := protocol.ContentTypeBinary
	if e.IsJSON {
		contentType = protocol.ContentTypeJSON
	}
	return protocol.NewEvent{
		EventID:             id,
		EventType:           e.Type,
		DataContentType:     contentType,
		MetadataContentType: protocol.ContentTypeBinary,
		Data:                e.Data,
		Metadata:            e.Metadata,
	}
}

func newEventsFromData(events []EventData) []protocol.NewEvent {
	out := make([]protocol.NewEvent, len(events))
	for i, e := range events {
		out[i] = newEventFromData(e)
	}
	return out
}

func recordedEventFromWire(rec *protocol.EventRecord) *RecordedEvent {
	if rec == nil {
		return nil
	}
	return &RecordedEvent{
		EventStreamID: rec.EventStreamID,
		EventNumber:   rec.EventNumber,
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		IsJSON:        rec.DataContentType == protocol.ContentTypeJSON,
		Data:          rec.Data,
		Metadata:      rec.Metadata,
		Created:       time.UnixMilli(rec.CreatedEpoch),
	}
}

func resolvedEventFromIndexed(e *protocol.ResolvedIndexedEvent) ResolvedEvent {
	return ResolvedEvent{
		Event: recordedEventFromWire(e.Event),
		Link:  recordedEventFromWire(e.Link),
	}
}

func resolvedEventFromWire(e *protocol.ResolvedEvent) ResolvedEvent {
	pos := Position{Commit: e.CommitPosition, Prepare: e.PreparePosition}
	return ResolvedEvent{
		Event:            recordedEventFromWire(e.Event),
		Link:             recordedEventFromWire(e.Link),
		OriginalPosition: &pos,
	}
}
