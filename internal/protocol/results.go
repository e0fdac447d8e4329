// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package protocol

// OperationResult is the server's verdict on a write-side operation.
type OperationResult int32

// Write-side operation results. The three timeout results are transient and
// eligible for client retry.
const (
	OperationSuccess              OperationResult = 0
	OperationPrepareTimeout       OperationResult = 1
	OperationCommitTimeout        OperationResult = 2
	OperationForwardTimeout       OperationResult = 3
	OperationWrongExpectedVersion OperationResult = 4
	OperationStreamDeleted        OperationResult = 5
	OperationInvalidTransaction   OperationResult = 6
	OperationAccessDenied         OperationResult = 7
)

// Retriable reports whether the result is one of the transient timeouts.
func (r OperationResult) Retriable() bool {
	switch r {
	case OperationPrepareTimeout, OperationCommitTimeout, OperationForwardTimeout:
		return true
	}
	return false
}

func (r OperationResult) String() string {
	switch r {
	case OperationSuccess:
		return "Success"
	case OperationPrepareTimeout:
		return "PrepareTimeout"
	case OperationCommitTimeout:
		return "CommitTimeout"
	case OperationForwardTimeout:
		return "ForwardTimeout"
	case OperationWrongExpectedVersion:
		return "WrongExpectedVersion"
	case OperationStreamDeleted:
		return "StreamDeleted"
	case OperationInvalidTransaction:
		return "InvalidTransaction"
	case OperationAccessDenied:
		return "AccessDenied"
	}
	return "Unknown"
}

// ReadEventResult is the server's verdict on a single-event read.
type ReadEventResult int32

// Single-event read results.
const (
	ReadEventSuccess       ReadEventResult = 0
	ReadEventNotFound      ReadEventResult = 1
	ReadEventNoStream      ReadEventResult = 2
	ReadEventStreamDeleted ReadEventResult = 3
	ReadEventError         ReadEventResult = 4
	ReadEventAccessDenied  ReadEventResult = 5
)

// ReadStreamResult is the server's verdict on a stream slice read.
type ReadStreamResult int32

// Stream slice read results.
const (
	ReadStreamSuccess       ReadStreamResult = 0
	ReadStreamNoStream      ReadStreamResult = 1
	ReadStreamStreamDeleted ReadStreamResult = 2
	ReadStreamNotModified   ReadStreamResult = 3
	ReadStreamError         ReadStreamResult = 4
	ReadStreamAccessDenied  ReadStreamResult = 5
)

// ReadAllResult is the server's verdict on an $all slice read.
type ReadAllResult int32

// $all slice read results.
const (
	ReadAllSuccess      ReadAllResult = 0
	ReadAllNotModified  ReadAllResult = 1
	ReadAllError        ReadAllResult = 2
	ReadAllAccessDenied ReadAllResult = 3
)

// DropReason is the server's reason for terminating a subscription.
type DropReason int32

// Server-side subscription drop reasons.
const (
	DropUnsubscribed                  DropReason = 0
	DropAccessDenied                  DropReason = 1
	DropNotFound                      DropReason = 2
	DropPersistentSubscriptionDeleted DropReason = 3
	DropSubscriberMaxCountReached     DropReason = 4
)

// NotHandledReason explains why the server refused to process a package.
type NotHandledReason int32

// NotHandled reasons.
const (
	NotHandledNotReady  NotHandledReason = 0
	NotHandledTooBusy   NotHandledReason = 1
	NotHandledNotMaster NotHandledReason = 2
)

// NakAction tells the server what to do with negatively acknowledged
// persistent subscription messages.
type NakAction int32

// Nak actions.
const (
	NakUnknown NakAction = 0
	NakPark    NakAction = 1
	NakRetry   NakAction = 2
	NakSkip    NakAction = 3
	NakStop    NakAction = 4
)

// PersistentSubscriptionCreateStatus is the server's verdict on creating,
// updating or deleting a persistent subscription group.
type PersistentSubscriptionCreateStatus int32

// Persistent subscription management results.
const (
	PersistentSubscriptionCreateSuccess       PersistentSubscriptionCreateStatus = 0
	PersistentSubscriptionCreateAlreadyExists PersistentSubscriptionCreateStatus = 1
	PersistentSubscriptionCreateFailed        PersistentSubscriptionCreateStatus = 2
	PersistentSubscriptionCreateAccessDenied  PersistentSubscriptionCreateStatus = 3
	PersistentSubscriptionCreateDoesNotExist  PersistentSubscriptionCreateStatus = 4
)
