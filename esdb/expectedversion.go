// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import "fmt"

// Expected versions express the optimistic concurrency constraint of a
// write. A non-negative value demands the stream's last event carry exactly
// that number; the constants below relax the constraint.
const (
	// ExpectedVersionAny disables the concurrency check.
	ExpectedVersionAny int64 = -2

	// ExpectedVersionNoStream demands the stream not exist yet.
	ExpectedVersionNoStream int64 = -1

	// ExpectedVersionStreamExists demands the stream exist, at any version.
	ExpectedVersionStreamExists int64 = -4
)

// validateExpectedVersion rejects values outside the encodable set.
func validateExpectedVersion(version int64) error {
	if version >= 0 {
		return nil
	}
	switch version {
	case ExpectedVersionAny, ExpectedVersionNoStream, ExpectedVersionStreamExists:
		return nil
	}
	return fmt.Errorf("invalid expected version %d", version)
}
