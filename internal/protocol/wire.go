// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// errShortPayload occurs when a payload ends before a field it promised.
var errShortPayload = errors.New("protocol: truncated payload")

// wireWriter appends payload fields in the protocol's encoding: integers
// little-endian, booleans one byte, strings and blobs with a uint32 length
// prefix.
type wireWriter struct {
	buf []byte
}

func (w *wireWriter) putByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *wireWriter) putBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *wireWriter) putInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *wireWriter) putInt64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}

func (w *wireWriter) putUUID(id uuid.UUID) {
	w.buf = append(w.buf, id[:]...)
}

func (w *wireWriter) putBytes(b []byte) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *wireWriter) putString(s string) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// wireReader consumes payload fields. The first decode failure sticks; all
// subsequent reads return zero values so call sites can decode a struct
// field-by-field and check err once.
type wireReader struct {
	buf []byte
	off int
	err error
}

func newWireReader(buf []byte) *wireReader {
	return &wireReader{buf: buf}
}

func (r *wireReader) fail() {
	if r.err == nil {
		r.err = errShortPayload
	}
}

func (r *wireReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *wireReader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *wireReader) bool() bool {
	return r.byte() != 0
}

func (r *wireReader) int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *wireReader) int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *wireReader) uuid() uuid.UUID {
	var id uuid.UUID
	b := r.take(16)
	if b != nil {
		copy(id[:], b)
	}
	return id
}

func (r *wireReader) bytes() []byte {
	n := r.int32()
	if n < 0 || int(n) > len(r.buf)-r.off {
		r.fail()
		return nil
	}
	return r.take(int(n))
}

func (r *wireReader) string() string {
	return string(r.bytes())
}

func (r *wireReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("protocol: %d trailing payload bytes", len(r.buf)-r.off)
	}
	return nil
}
