// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package esdb

import (
	"context"
	"errors"
	"fmt"

	"go.evstore.io/tcp-driver/internal/protocol"
)

// ErrTransactionDone occurs when writing to or committing a transaction
// that was already committed or rolled back.
var ErrTransactionDone = errors.New("transaction already committed or rolled back")

// Transaction is an open multi-write transaction against one stream. It is
// not safe for concurrent use.
type Transaction struct {
	conn   *Connection
	id     int64
	stream string
	creds  *UserCredentials
	done   bool
}

// StartTransaction opens a transaction on a stream under an
// expected-version check.
func (c *Connection) StartTransaction(ctx context.Context, stream string, expectedVersion int64, creds *UserCredentials) (*Transaction, error) {
	if err := validateStream(stream); err != nil {
		return nil, err
	}
	if err := validateExpectedVersion(expectedVersion); err != nil {
		return nil, err
	}

	login, password := c.credentials(creds)
	op := &transactionStartOperation{
		baseOperation:   newBaseOperation[int64](login, password, protocol.CmdTransactionStartCompleted),
		stream:          stream,
		expectedVersion: expectedVersion,
		requireMaster:   c.settings.RequireMaster,
	}
	id, err := execute[int64](ctx, c, op)
	if err != nil {
		return nil, err
	}
	return &Transaction{conn: c, id: id, stream: stream, creds: creds}, nil
}

// ContinueTransaction resumes a transaction by id, for callers that carried
// the id across process boundaries.
func (c *Connection) ContinueTransaction(transactionID int64, creds *UserCredentials) (*Transaction, error) {
	if transactionID < 0 {
		return nil, fmt.Errorf("invalid transaction id %d", transactionID)
	}
	return &Transaction{conn: c, id: transactionID, creds: creds}, nil
}

// ID returns the server-assigned transaction id.
func (t *Transaction) ID() int64 {
	return t.id
}

// Write stages events in the transaction. Staged events become visible only
// on commit.
func (t *Transaction) Write(ctx context.Context, events []EventData) error {
	if t.done {
		return ErrTransactionDone
	}

	login, password := t.conn.credentials(t.creds)
	op := &transactionWriteOperation{
		baseOperation: newBaseOperation[struct{}](login, password, protocol.CmdTransactionWriteCompleted),
		transactionID: t.id,
		events:        newEventsFromData(events),
		requireMaster: t.conn.settings.RequireMaster,
	}
	_, err := execute[struct{}](ctx, t.conn, op)
	return err
}

// Commit atomically appends the staged events. The expected-version check
// supplied at StartTransaction is enforced here.
func (t *Transaction) Commit(ctx context.Context) (*WriteResult, error) {
	if t.done {
		return nil, ErrTransactionDone
	}

	login, password := t.conn.credentials(t.creds)
	op := &transactionCommitOperation{
		baseOperation: newBaseOperation[*WriteResult](login, password, protocol.CmdTransactionCommitCompleted),
		transactionID: t.id,
		stream:        t.stream,
		requireMaster: t.conn.settings.RequireMaster,
	}
	result, err := execute[*WriteResult](ctx, t.conn, op)
	if err == nil {
		t.done = true
	}
	return result, err
}

// Rollback abandons the transaction client-side. The server reclaims
// uncommitted transactions on its own.
func (t *Transaction) Rollback() error {
	if t.done {
		return ErrTransactionDone
	}
	t.done = true
	return nil
}
