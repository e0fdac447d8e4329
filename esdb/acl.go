// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"encoding/json"
	"fmt"
)

// roles is a role list that serializes as a bare string when it holds
// exactly one role and as an array otherwise, and accepts either form on
// read.
type roles []string

func (r roles) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func (r *roles) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*r = roles{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("acl roles must be a string or an array of strings: %w", err)
	}
	*r = roles(many)
	return nil
}

// StreamACL is a stream's access control list. An empty role list means the
// permission is unset and inherited from the server defaults.
type StreamACL struct {
	ReadRoles      []string
	WriteRoles     []string
	DeleteRoles    []string
	MetaReadRoles  []string
	MetaWriteRoles []string
}

type streamACLJSON struct {
	Read      roles `json:"$r,omitempty"`
	Write     roles `json:"$w,omitempty"`
	Delete    roles `json:"$d,omitempty"`
	MetaRead  roles `json:"$mr,omitempty"`
	MetaWrite roles `json:"$mw,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (acl StreamACL) MarshalJSON() ([]byte, error) {
	return json.Marshal(streamACLJSON{
		Read:      acl.ReadRoles,
		Write:     acl.WriteRoles,
		Delete:    acl.DeleteRoles,
		MetaRead:  acl.MetaReadRoles,
		MetaWrite: acl.MetaWriteRoles,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (acl *StreamACL) UnmarshalJSON(data []byte) error {
	var raw streamACLJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	acl.ReadRoles = raw.Read
	acl.WriteRoles = raw.Write
	acl.DeleteRoles = raw.Delete
	acl.MetaReadRoles = raw.MetaRead
	acl.MetaWriteRoles = raw.MetaWrite
	return nil
}
