// Copyright (C) EvStore, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package metrics exposes driver-wide prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconnects counts reconnection attempts started by the connection driver.
var Reconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evstore_client_reconnects_total",
	Help: "counter of reconnection attempts started by the connection driver",
})

// OperationsRetried counts operations pushed back to the waiting queue for
// another attempt.
var OperationsRetried = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evstore_client_operations_retried_total",
	Help: "counter of operations scheduled for another attempt",
})

// OperationsTimedOut counts operations whose per-attempt timeout elapsed.
var OperationsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evstore_client_operations_timed_out_total",
	Help: "counter of operations whose per-attempt timeout elapsed",
})

// PackagesDiscarded counts server packages that matched neither an operation
// nor a subscription.
var PackagesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evstore_client_packages_discarded_total",
	Help: "counter of packages with an unknown correlation id",
})

// HeartbeatTimeouts counts channels faulted for a missed heartbeat ack.
var HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evstore_client_heartbeat_timeouts_total",
	Help: "counter of channels faulted for a missed heartbeat acknowledgement",
})

// SubscriptionsDropped counts subscription terminations by reason.
var SubscriptionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "evstore_client_subscriptions_dropped_total",
	Help: "counter of subscription terminations",
}, []string{"reason"})

// LiveQueueOverflows counts catch-up subscriptions dropped because their
// push queue exceeded its bound.
var LiveQueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
	Name: "evstore_client_live_queue_overflows_total",
	Help: "counter of catch-up subscriptions dropped on push queue overflow",
})
