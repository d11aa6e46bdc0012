// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package promflight exports call metrics to Prometheus.
package promflight

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/livekit/psflight"
	"github.com/livekit/psflight/pkg/middleware"
)

var labels = []string{"service", "method", "action", "role"}

// Observer implements middleware.MetricsObserver.
type Observer struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
}

var _ middleware.MetricsObserver = (*Observer)(nil)

// New creates an Observer and registers its collectors with reg.
func New(reg prometheus.Registerer, namespace string) (*Observer, error) {
	o := &Observer{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "psflight",
			Name:      "calls_started_total",
			Help:      "Total number of calls started",
		}, labels),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "psflight",
			Name:      "calls_finished_total",
			Help:      "Total number of calls finished, by result code",
		}, append(labels, "code")),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "psflight",
			Name:      "call_duration_seconds",
			Help:      "Time from call start to terminal signal",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
		}, labels),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "psflight",
			Name:      "results_total",
			Help:      "Total number of results delivered by completed calls",
		}, labels),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "psflight",
			Name:      "calls_in_flight",
			Help:      "Number of calls without a terminal signal",
		}, labels),
	}

	var err error
	for _, c := range []prometheus.Collector{o.started, o.finished, o.duration, o.results, o.inFlight} {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Observer) OnCallStarted(info psflight.CallInfo) {
	l := labelValues(info)
	o.started.WithLabelValues(l...).Inc()
	o.inFlight.WithLabelValues(l...).Inc()
}

func (o *Observer) OnCallFinished(info psflight.CallInfo, duration time.Duration, results int, err error) {
	l := labelValues(info)
	code := psflight.ErrorCodeOf(err)
	if code == psflight.OK {
		code = "ok"
	}
	o.inFlight.WithLabelValues(l...).Dec()
	o.finished.WithLabelValues(append(l, string(code))...).Inc()
	o.duration.WithLabelValues(l...).Observe(duration.Seconds())
	o.results.WithLabelValues(l...).Add(float64(results))
}

func labelValues(info psflight.CallInfo) []string {
	return []string{info.Service, info.Method, info.ActionType, info.Role.String()}
}
