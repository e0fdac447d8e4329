// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package esdb is the client for the event store's TCP interface. A
// Connection multiplexes appends, reads, deletes, transactions and
// subscriptions over one long-lived channel, transparently handling
// endpoint discovery, authentication, heartbeating, retries and
// reconnection.
//
// Operations are blocking and context-aware; subscriptions deliver events
// to callbacks, strictly in server order within each subscription. A
// catch-up subscription replays history from a caller-chosen position and
// then switches to live tailing without gaps or duplicates, across
// reconnects.
package esdb
