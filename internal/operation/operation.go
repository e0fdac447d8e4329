// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation tracks in-flight client requests: a waiting queue of
// operations not yet dispatched and an active registry keyed by correlation
// id, with bounded concurrency, per-attempt timeouts and retry accounting.
package operation

import (
	"errors"
	"net"

	"github.com/google/uuid"

	"go.evstore.io/tcp-driver/internal/protocol"
)

// Operational failure modes surfaced through completion sinks or returned to
// callers.
var (
	// ErrOperationQueueOverflow occurs when enqueueing past the waiting
	// queue bound.
	ErrOperationQueueOverflow = errors.New("operation queue overflow")

	// ErrOperationTimedOut occurs when an attempt outlives the operation
	// timeout and the client is configured to fail rather than retry.
	ErrOperationTimedOut = errors.New("operation timed out")

	// ErrRetryLimitReached occurs when an operation exhausts its retries.
	ErrRetryLimitReached = errors.New("retry limit reached")

	// ErrConnectionClosed occurs when the client connection closes with
	// operations still outstanding.
	ErrConnectionClosed = errors.New("connection closed")
)

// Decision is what an operation's response inspection tells the manager to
// do next.
type Decision int

// Inspection decisions.
const (
	// DecideSuccess: the operation resolved its sink; retire it.
	DecideSuccess Decision = iota
	// DecideContinue: multi-frame response; keep the operation active.
	DecideContinue
	// DecideRetry: transient server condition; schedule another attempt.
	DecideRetry
	// DecideReconnect: the server redirected the client; the operation goes
	// back to waiting and the driver reconnects to Endpoint.
	DecideReconnect
	// DecideFail: the operation failed its sink; retire it.
	DecideFail
)

// Inspection is the result of showing a response package to an operation.
type Inspection struct {
	Decision    Decision
	Description string
	Endpoint    *net.TCPAddr
}

// Operation is one in-flight request. CreatePackage is invoked once per
// attempt with a fresh correlation id; Inspect is invoked with every
// response package carrying that id. The operation exclusively owns its
// completion sink: the manager never resolves it directly and instead calls
// Fail for manager-initiated failures.
type Operation interface {
	CreatePackage(correlationID uuid.UUID) (*protocol.Package, error)
	Inspect(pkg *protocol.Package) Inspection
	Fail(err error)
}

// PackageWriter sends a package over the current channel.
type PackageWriter interface {
	WritePackage(pkg *protocol.Package) error
}
