// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import "fmt"

// Position identifies a point in the $all stream as a commit/prepare pair.
type Position struct {
	Commit  int64
	Prepare int64
}

// StartPosition is the beginning of the $all stream.
var StartPosition = Position{Commit: 0, Prepare: 0}

// EndPosition addresses the end of the $all stream; reads backward from it
// see the newest events first.
var EndPosition = Position{Commit: -1, Prepare: -1}

// Compare orders positions: -1 when p precedes other, 0 when equal, 1 when
// p follows other.
func (p Position) Compare(other Position) int {
	switch {
	case p.Commit < other.Commit:
		return -1
	case p.Commit > other.Commit:
		return 1
	case p.Prepare < other.Prepare:
		return -1
	case p.Prepare > other.Prepare:
		return 1
	}
	return 0
}

// After reports whether p is strictly beyond other.
func (p Position) After(other Position) bool {
	return p.Compare(other) > 0
}

// String implements the Stringer interface.
func (p Position) String() string {
	return fmt.Sprintf("%d/%d", p.Commit, p.Prepare)
}
