// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength is the largest frame body a peer may send. Anything larger
// faults the channel rather than being buffered.
const MaxFrameLength = 64 * 1024 * 1024

// FrameLengthError occurs when a peer announces a frame outside the
// permitted bounds.
type FrameLengthError struct {
	Length int
}

func (e FrameLengthError) Error() string {
	return fmt.Sprintf("protocol: frame length %d outside (0, %d]", e.Length, MaxFrameLength)
}

// WriteFrame encodes pkg and writes it to w as a single length-prefixed
// frame. The prefix is a little-endian uint32 counting the body bytes only.
func WriteFrame(w io.Writer, pkg *Package) error {
	body, err := pkg.Marshal()
	if err != nil {
		return err
	}

	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r and decodes its body into
// a package. It blocks until a full frame is available or r fails.
func ReadFrame(r io.Reader) (*Package, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}

	size := int(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size <= 0 || size > MaxFrameLength {
		return nil, FrameLengthError{Length: size}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return UnmarshalPackage(body)
}
