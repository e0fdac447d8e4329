// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamACLSingleRoleSerializesAsString(t *testing.T) {
	acl := StreamACL{ReadRoles: []string{"ouro"}}

	raw, err := json.Marshal(acl)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$r":"ouro"}`, string(raw))
}

func TestStreamACLMultipleRolesSerializeAsArray(t *testing.T) {
	acl := StreamACL{
		WriteRoles:  []string{"a", "b"},
		DeleteRoles: []string{"ops"},
	}

	raw, err := json.Marshal(acl)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$w":["a","b"],"$d":"ops"}`, string(raw))
}

func TestStreamACLUnsetKeysAreOmitted(t *testing.T) {
	raw, err := json.Marshal(StreamACL{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestStreamACLAcceptsBothEncodingsOnRead(t *testing.T) {
	var acl StreamACL
	require.NoError(t, json.Unmarshal([]byte(`{"$r":"solo","$w":["x","y"],"$mr":["m"]}`), &acl))

	assert.Equal(t, []string{"solo"}, acl.ReadRoles)
	assert.Equal(t, []string{"x", "y"}, acl.WriteRoles)
	assert.Equal(t, []string{"m"}, acl.MetaReadRoles)
	assert.Nil(t, acl.DeleteRoles)
	assert.Nil(t, acl.MetaWriteRoles)
}

func TestStreamACLRoundTripIsSemanticallyEqual(t *testing.T) {
	in := StreamACL{
		ReadRoles:      []string{"r1"},
		WriteRoles:     []string{"w1", "w2"},
		MetaWriteRoles: []string{"admin"},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out StreamACL
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestStreamACLRejectsMalformedRoles(t *testing.T) {
	var acl StreamACL
	assert.Error(t, json.Unmarshal([]byte(`{"$r":42}`), &acl))
}
