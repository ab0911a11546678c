// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the supervisor's Prometheus instruments.
//
// A *Metrics is created once in main against a registry and passed to
// each component. Every method is safe on a nil receiver, so tests and
// callers that do not care about metrics pass nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conmon"

// Metrics is the set of supervisor instruments.
type Metrics struct {
	containersCreated    prometheus.Counter
	containerCreateFails *prometheus.CounterVec
	containersRunning    prometheus.Gauge
	containerExits       *prometheus.CounterVec

	execSessions *prometheus.CounterVec
	execDuration prometheus.Histogram

	attachSessions prometheus.Gauge

	subscribersDropped *prometheus.CounterVec
	logRotations       prometheus.Counter
	logWriteErrors     prometheus.Counter

	rpcRequests *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
}

// New registers the instruments with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		containersCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "containers_created_total",
			Help:      "Containers that reached the running state.",
		}),
		containerCreateFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_create_failures_total",
			Help:      "create_container calls that failed, by error code.",
		}, []string{"code"}),
		containersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "containers_running",
			Help:      "Containers currently running.",
		}),
		containerExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_exits_total",
			Help:      "Container exits, by reason (exited, signaled, oom).",
		}, []string{"reason"}),
		execSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exec_sessions_total",
			Help:      "Completed exec_sync sessions, by result (exited, timeout, error).",
		}, []string{"result"}),
		execDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Wall time of exec_sync sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		attachSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attach_sessions",
			Help:      "Attach sessions currently listening or connected.",
		}),
		subscribersDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_subscribers_dropped_total",
			Help:      "Relay subscribers removed because their queue overflowed, by relay kind.",
		}, []string{"relay"}),
		logRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_rotations_total",
			Help:      "CRI log files truncated for exceeding their size limit.",
		}),
		logWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_write_errors_total",
			Help:      "Failed writes to CRI log files.",
		}),
		rpcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Control socket requests, by method and result code (ok or an error code).",
		}, []string{"method", "code"}),
		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Control socket request latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) ContainerCreated() {
	if m == nil {
		return
	}
	m.containersCreated.Inc()
	m.containersRunning.Inc()
}

func (m *Metrics) ContainerCreateFailed(code string) {
	if m == nil {
		return
	}
	m.containerCreateFails.WithLabelValues(code).Inc()
}

// ContainerExited records an exit of a container previously counted by
// ContainerCreated.
func (m *Metrics) ContainerExited(reason string) {
	if m == nil {
		return
	}
	m.containersRunning.Dec()
	m.containerExits.WithLabelValues(reason).Inc()
}

func (m *Metrics) ExecCompleted(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.execSessions.WithLabelValues(result).Inc()
	m.execDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) AttachStarted() {
	if m == nil {
		return
	}
	m.attachSessions.Inc()
}

func (m *Metrics) AttachEnded() {
	if m == nil {
		return
	}
	m.attachSessions.Dec()
}

func (m *Metrics) SubscriberDropped(relayKind string) {
	if m == nil {
		return
	}
	m.subscribersDropped.WithLabelValues(relayKind).Inc()
}

func (m *Metrics) LogRotated() {
	if m == nil {
		return
	}
	m.logRotations.Inc()
}

func (m *Metrics) LogWriteFailed() {
	if m == nil {
		return
	}
	m.logWriteErrors.Inc()
}

func (m *Metrics) RPCHandled(method, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, code).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
