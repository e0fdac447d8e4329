// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package protocol contains the wire-level vocabulary of the event store
// TCP protocol: the package envelope carrying correlated traffic, the
// length-prefixed framing, and the payload messages exchanged inside
// packages. It purposefully hides byte-order and layout concerns from the
// rest of the driver, which depends only on the types defined here.
package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Package flag bits.
const (
	FlagsNone          byte = 0x00
	FlagsAuthenticated byte = 0x01
)

const correlationLength = 16

// ErrPackageTooShort occurs when a frame body is shorter than the fixed
// package header.
var ErrPackageTooShort = errors.New("protocol: package shorter than header")

// Package is one unit of wire traffic: a command tag, a correlation id,
// optional credentials, and an opaque payload. Correlation ids are allocated
// by the client and echoed by the server for the lifetime of the operation
// or subscription they identify.
type Package struct {
	Command       Command
	CorrelationID uuid.UUID
	Login         string
	Password      string
	Payload       []byte
}

// NewPackage assembles a package, attaching credentials when login is
// non-empty.
func NewPackage(cmd Command, correlationID uuid.UUID, login, password string, payload []byte) *Package {
	return &Package{
		Command:       cmd,
		CorrelationID: correlationID,
		Login:         login,
		Password:      password,
		Payload:       payload,
	}
}

// Authenticated reports whether the package carries credentials.
func (p *Package) Authenticated() bool {
	return p.Login != ""
}

// Size returns the encoded body length, excluding the frame length prefix.
func (p *Package) Size() int {
	n := 2 + correlationLength + len(p.Payload)
	if p.Authenticated() {
		n += 2 + len(p.Login) + len(p.Password)
	}
	return n
}

// Marshal encodes the package body. The layout is: command byte, flags byte,
// 16-byte correlation id, then iff the auth flag is set a 1-byte login
// length, login bytes, 1-byte password length and password bytes, then the
// payload.
func (p *Package) Marshal() ([]byte, error) {
	if len(p.Login) > 255 {
		return nil, fmt.Errorf("protocol: login of %d bytes exceeds 255", len(p.Login))
	}
	if len(p.Password) > 255 {
		return nil, fmt.Errorf("protocol: password of %d bytes exceeds 255", len(p.Password))
	}

	flags := FlagsNone
	if p.Authenticated() {
		flags = FlagsAuthenticated
	}

	buf := make([]byte, 0, p.Size())
	buf = append(buf, byte(p.Command), flags)
	buf = append(buf, p.CorrelationID[:]...)
	if flags&FlagsAuthenticated != 0 {
		buf = append(buf, byte(len(p.Login)))
		buf = append(buf, p.Login...)
		buf = append(buf, byte(len(p.Password)))
		buf = append(buf, p.Password...)
	}
	buf = append(buf, p.Payload...)
	return buf, nil
}

// UnmarshalPackage decodes a frame body into a package. The payload slice
// aliases data.
func UnmarshalPackage(data []byte) (*Package, error) {
	if len(data) < 2+correlationLength {
		return nil, ErrPackageTooShort
	}

	p := &Package{Command: Command(data[0])}
	flags := data[1]
	copy(p.CorrelationID[:], data[2:2+correlationLength])
	rest := data[2+correlationLength:]

	if flags&FlagsAuthenticated != 0 {
		if len(rest) < 1 {
			return nil, errors.New("protocol: package truncated before login length")
		}
		loginLen := int(rest[0])
		if len(rest) < 1+loginLen+1 {
			return nil, errors.New("protocol: package truncated inside login")
		}
		p.Login = string(rest[1 : 1+loginLen])
		rest = rest[1+loginLen:]

		passwordLen := int(rest[0])
		if len(rest) < 1+passwordLen {
			return nil, errors.New("protocol: package truncated inside password")
		}
		p.Password = string(rest[1 : 1+passwordLen])
		rest = rest[1+passwordLen:]
	}

	p.Payload = rest
	return p, nil
}

// String implements the Stringer interface.
func (p *Package) String() string {
	return fmt.Sprintf("Package{%s, %s, %d payload bytes}", p.Command, p.CorrelationID, len(p.Payload))
}
