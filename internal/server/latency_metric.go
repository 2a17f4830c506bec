// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package server holds helpers shared by the HTTP-facing parts of the farmer.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// OpMetric tracks counts and latencies of operations, such as requests
// served on behalf of peers.
//
// OpMetric creates three metric sets:
//   - A CounterVec with the given name, label "result", and any additional
//     labels. Start increments it with "result"="all"; NotFound and Failed
//     increment "not_found" and "failed".
//   - A SummaryVec with the given name + "_latency" and the additional labels.
//     End observes the latency unless a result was recorded first.
//   - A GaugeVec with the given name + "_pending" and the additional labels,
//     kept at the number of operations between Start and End.
//
// Suggested usage:
//
//	op := h.ops.Start("piece")
//	defer op.End()
//	...
//	if err != nil {
//		op.Failed()
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric registered with the default registry.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name + " by result"}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency", Help: name + " latency in seconds"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending", Help: name + " in progress"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *Op {
	op := &Op{opm: m, values: values}
	op.Result("all") // this resets start, so set it below
	op.start = time.Now()
	m.pending.WithLabelValues(values...).Inc()
	return op
}

// Count returns how many operations ended with result.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithResult := append([]string{result}, values...)
	var value dto.Metric
	if m.counters.WithLabelValues(valuesWithResult...).Write(&value) != nil || value.Counter == nil {
		return 0
	}
	return uint64(value.Counter.GetValue())
}

// Pending returns how many operations are in progress.
func (m *OpMetric) Pending(values ...string) int64 {
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil || value.Gauge == nil {
		return 0
	}
	return int64(value.Gauge.GetValue())
}

// String returns a line with latency and result information.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	return out + fmt.Sprintf(" / %d not found / %d failed / %d pending",
		m.Count("not_found", values...), m.Count("failed", values...), m.Pending(values...))
}

// Strings returns String for every key. It only works for OpMetrics with a
// single label, which is the common case.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// Op is one operation started by OpMetric.Start.
type Op struct {
	start  time.Time
	opm    *OpMetric
	values []string
}

// NotFound records that the requested item wasn't available.
func (op *Op) NotFound() {
	op.Result("not_found")
}

// Failed records that the operation returned an error.
func (op *Op) Failed() {
	op.Result("failed")
}

// Result records an arbitrary result. The latency of the operation is no
// longer observed.
func (op *Op) Result(result string) {
	op.start = time.Time{}
	valuesWithResult := append([]string{result}, op.values...)
	op.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since Start.
func (op *Op) End() {
	if !op.start.IsZero() {
		op.opm.latencies.WithLabelValues(op.values...).Observe(time.Since(op.start).Seconds())
	}
	op.opm.pending.WithLabelValues(op.values...).Dec()
}

// EndWithError calls Failed if err is not nil, and End.
func (op *Op) EndWithError(err error) {
	if err != nil {
		op.Failed()
	}
	op.End()
}

// SummaryString formats the sample count and quantiles of a summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	parts := []string{fmt.Sprintf("Total count=%d", value.Summary.GetSampleCount())}
	for _, q := range value.Summary.Quantile {
		parts = append(parts, fmt.Sprintf("%gth=%.3f", q.GetQuantile()*100, q.GetValue()))
	}
	return strings.Join(parts, "; ")
}
