/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the SAFEGUARD approval core.
//
// Metric naming follows Prometheus conventions:
//   - safeguard_ prefix for all custom metrics
//   - _total suffix for counters
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ApprovalsTotal counts approval request transitions by lifecycle event
	// (created, approved, rejected, expired, executed, failed).
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeguard_approvals_total",
			Help: "Total approval request lifecycle events by outcome.",
		},
		[]string{"event"},
	)

	// DeferredActionsTotal counts deferred action transitions by event
	// (created, cancelled, executed, failed).
	DeferredActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safeguard_deferred_actions_total",
			Help: "Total deferred action lifecycle events by outcome.",
		},
		[]string{"event"},
	)

	// ExpiredRequestsTotal counts pending requests flipped to expired by the
	// sweeper.
	ExpiredRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safeguard_expired_requests_total",
			Help: "Total pending approval requests expired by the sweeper.",
		},
	)

	// SweepRunsTotal counts sweeper passes.
	SweepRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safeguard_sweep_runs_total",
			Help: "Total sweeper passes over the approval and deferred tables.",
		},
	)

	// DeferredIDRetriesTotal counts deferred id allocation retries caused by
	// concurrent creations colliding on the unique constraint.
	DeferredIDRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safeguard_deferred_id_retries_total",
			Help: "Total deferred id allocations retried after a uniqueness collision.",
		},
	)
)

// Register registers all safeguard metrics with the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ApprovalsTotal,
		DeferredActionsTotal,
		ExpiredRequestsTotal,
		SweepRunsTotal,
		DeferredIDRetriesTotal,
	)
}
