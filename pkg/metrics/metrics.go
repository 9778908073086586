// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes transaction outcomes as Prometheus metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics implements session.Recorder
type Metrics struct {
	Transactions     *prometheus.CounterVec   // device, kind, outcome
	Duration         *prometheus.HistogramVec // device, kind
	UnsolicitedBytes *prometheus.CounterVec   // device
	Skips            *prometheus.CounterVec   // device, op
	TransportOpens   *prometheus.CounterVec   // device, result
	Polls            *prometheus.CounterVec   // device, result
}

// New registers the exlink metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exlink_transactions_total",
			Help: "Transactions by device, command kind and outcome.",
		}, []string{"device", "kind", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exlink_transaction_duration_seconds",
			Help:    "Transaction duration from write to final read.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"device", "kind"}),
		UnsolicitedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exlink_unsolicited_bytes_total",
			Help: "Bytes drained from the line before a transaction.",
		}, []string{"device"}),
		Skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exlink_busy_skips_total",
			Help: "Non-blocking operations skipped because the device was busy.",
		}, []string{"device", "op"}),
		TransportOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exlink_transport_opens_total",
			Help: "Transport open attempts by result.",
		}, []string{"device", "result"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exlink_polls_total",
			Help: "Background status requests by result.",
		}, []string{"device", "result"}),
	}
	reg.MustRegister(m.Transactions, m.Duration, m.UnsolicitedBytes, m.Skips, m.TransportOpens, m.Polls)
	return m
}

func (m *Metrics) Transaction(device, kind, outcome string, elapsed time.Duration) {
	m.Transactions.WithLabelValues(device, kind, outcome).Inc()
	m.Duration.WithLabelValues(device, kind).Observe(elapsed.Seconds())
}

func (m *Metrics) Unsolicited(device string, n int) {
	m.UnsolicitedBytes.WithLabelValues(device).Add(float64(n))
}

func (m *Metrics) Skipped(device, op string) {
	m.Skips.WithLabelValues(device, op).Inc()
}

func (m *Metrics) TransportOpened(device string, err error) {
	m.TransportOpens.WithLabelValues(device, result(err)).Inc()
}

// Poll records one background status request
func (m *Metrics) Poll(device string, err error) {
	m.Polls.WithLabelValues(device, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
