// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"encoding/json"
	"time"
)

// metastreamPrefix addresses the metadata stream of a stream.
const metastreamPrefix = "$$"

// streamMetadataEventType tags metadata events on metastreams.
const streamMetadataEventType = "$metadata"

func metastreamOf(stream string) string {
	return metastreamPrefix + stream
}

// StreamMetadata is the structured form of a stream's metadata event. Nil
// pointer fields are unset and omitted on the wire. CustomProperties carries
// any keys outside the reserved $-prefixed set.
type StreamMetadata struct {
	MaxCount         *int64
	MaxAge           *time.Duration
	TruncateBefore   *int64
	CacheControl     *time.Duration
	ACL              *StreamACL
	CustomProperties map[string]json.RawMessage
}

type streamMetadataJSON struct {
	MaxCount       *int64     `json:"$maxCount,omitempty"`
	MaxAgeSec      *int64     `json:"$maxAge,omitempty"`
	TruncateBefore *int64     `json:"$tb,omitempty"`
	CacheControl   *int64     `json:"$cacheControl,omitempty"`
	ACL            *StreamACL `json:"$acl,omitempty"`
}

var reservedMetadataKeys = map[string]bool{
	"$maxCount":     true,
	"$maxAge":       true,
	"$tb":           true,
	"$cacheControl": true,
	"$acl":          true,
}

// MarshalJSON implements json.Marshaler.
func (m StreamMetadata) MarshalJSON() ([]byte, error) {
	core := streamMetadataJSON{
		MaxCount:       m.MaxCount,
		TruncateBefore: m.TruncateBefore,
		ACL:            m.ACL,
	}
	if m.MaxAge != nil {
		sec := int64(m.MaxAge.Seconds())
		core.MaxAgeSec = &sec
	}
	if m.CacheControl != nil {
		sec := int64(m.CacheControl.Seconds())
		core.CacheControl = &sec
	}

	raw, err := json.Marshal(core)
	if err != nil {
		return nil, err
	}
	if len(m.CustomProperties) == 0 {
		return raw, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.CustomProperties {
		if !reservedMetadataKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *StreamMetadata) UnmarshalJSON(data []byte) error {
	var core streamMetadataJSON
	if err := json.Unmarshal(data, &core); err != nil {
		return err
	}
	m.MaxCount = core.MaxCount
	m.TruncateBefore = core.TruncateBefore
	m.ACL = core.ACL
	m.MaxAge = nil
	if core.MaxAgeSec != nil {
		age := time.Duration(*core.MaxAgeSec) * time.Second
		m.MaxAge = &age
	}
	m.CacheControl = nil
	if core.CacheControl != nil {
		cc := time.Duration(*core.CacheControl) * time.Second
		m.CacheControl = &cc
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	m.CustomProperties = nil
	for k, v := range all {
		if reservedMetadataKeys[k] {
			continue
		}
		if m.CustomProperties == nil {
			m.CustomProperties = make(map[string]json.RawMessage)
		}
		m.CustomProperties[k] = v
	}
	return nil
}

// StreamMetadataResult is the outcome of reading a stream's metadata.
type StreamMetadataResult struct {
	Stream string
	// IsDeleted reports a hard-deleted stream.
	IsDeleted bool
	// MetastreamVersion is the metadata event's number, usable as expected
	// version on the next metadata write. -1 when no metadata exists.
	MetastreamVersion int64
	// Raw is the metadata event payload verbatim; empty when none exists.
	Raw []byte
}

// Metadata parses Raw into its structured form. An empty Raw yields the zero
// value.
func (r StreamMetadataResult) Metadata() (StreamMetadata, error) {
	var m StreamMetadata
	if len(r.Raw) == 0 {
		return m, nil
	}
	err := json.Unmarshal(r.Raw, &m)
	return m, err
}
