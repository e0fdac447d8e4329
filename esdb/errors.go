// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"errors"
	"fmt"

	"go.evstore.io/tcp-driver/internal/operation"
)

// Operational failures. These are the internal sentinels re-exported so
// callers can match them with errors.Is.
var (
	// ErrConnectionClosed occurs when the connection closes with work
	// outstanding, or when an operation is issued on a closed connection.
	ErrConnectionClosed = operation.ErrConnectionClosed

	// ErrOperationTimedOut occurs when an operation attempt gets no server
	// response and the client is configured to fail rather than retry.
	ErrOperationTimedOut = operation.ErrOperationTimedOut

	// ErrRetryLimitReached occurs when an operation exhausts its retries.
	ErrRetryLimitReached = operation.ErrRetryLimitReached

	// ErrOperationQueueOverflow occurs when enqueueing past the waiting
	// queue bound.
	ErrOperationQueueOverflow = operation.ErrOperationQueueOverflow
)

// Protocol-level failures without parameters.
var (
	// ErrInvalidTransaction occurs when committing a transaction the server
	// no longer considers valid.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrNotAuthenticated occurs when the server rejects the operation's
	// credentials.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrPersistentSubscriptionDeleted names a subscription group deleted
	// server-side. The driver does not return it: such a subscription ends
	// with drop reason PersistentSubscriptionDeleted.
	ErrPersistentSubscriptionDeleted = errors.New("persistent subscription deleted")

	// ErrMaximumSubscribersReached names a group refusing another consumer.
	// The driver does not return it: such a subscription ends with drop
	// reason SubscriberMaxCountReached.
	ErrMaximumSubscribersReached = errors.New("maximum subscribers reached")

	// ErrStreamNotFound names a stream that does not exist. Reads do not
	// return it; they report a missing stream through their status
	// (EventReadNoStream, SliceReadStreamNotFound).
	ErrStreamNotFound = errors.New("stream not found")
)

// WrongExpectedVersionError occurs when the optimistic concurrency check on
// a write, delete or transaction fails.
type WrongExpectedVersionError struct {
	Stream          string
	ExpectedVersion int64
}

func (e WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("wrong expected version %d on stream %q", e.ExpectedVersion, e.Stream)
}

// StreamDeletedError occurs when operating on a hard-deleted stream.
type StreamDeletedError struct {
	Stream string
}

func (e StreamDeletedError) Error() string {
	return fmt.Sprintf("stream %q has been deleted", e.Stream)
}

// AccessDeniedError occurs when the operation's credentials lack the
// required permission.
type AccessDeniedError struct {
	Stream string
}

func (e AccessDeniedError) Error() string {
	if e.Stream == "" {
		return "access denied"
	}
	return fmt.Sprintf("access to stream %q denied", e.Stream)
}

// ServerError occurs when the server reports an internal failure.
type ServerError struct {
	Message string
}

func (e ServerError) Error() string {
	if e.Message == "" {
		return "server error"
	}
	return fmt.Sprintf("server error: %s", e.Message)
}

// CommandNotExpectedError occurs when a response carries a command tag the
// operation cannot interpret.
type CommandNotExpectedError struct {
	Expected string
	Actual   string
}

func (e CommandNotExpectedError) Error() string {
	return fmt.Sprintf("expected %s, received %s", e.Expected, e.Actual)
}

// BadRequestError occurs when the server rejects a package as malformed.
type BadRequestError struct {
	Message string
}

func (e BadRequestError) Error() string {
	if e.Message == "" {
		return "bad request"
	}
	return fmt.Sprintf("bad request: %s", e.Message)
}
