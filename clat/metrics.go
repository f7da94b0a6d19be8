// Copyright 2025 The clatd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package clat

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction label values.
const (
	DirToV6 = "v4_to_v6"
	DirToV4 = "v6_to_v4"
)

// Drop reason label values.
const (
	ReasonMalformed   = "malformed"
	ReasonUnsupported = "unsupported"
	ReasonAddress     = "address"
	ReasonWrite       = "write_failed"
)

// Metrics defines the data-plane metrics of the translator. None of these
// surface to end users; they feed the external observability collaborator.
type Metrics struct {
	InputPacketsTotal   *prometheus.CounterVec
	InputBytesTotal     *prometheus.CounterVec
	OutputPacketsTotal  *prometheus.CounterVec
	OutputBytesTotal    *prometheus.CounterVec
	DroppedPacketsTotal *prometheus.CounterVec
	ReadErrorsTotal     *prometheus.CounterVec
	PrefixChecksTotal   prometheus.Counter
	Running             prometheus.Gauge
}

// NewMetrics initializes the translator metrics and registers them with the
// default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith initializes the translator metrics on the given registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		InputPacketsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "clatd_input_pkts_total",
				Help: "Total number of packets read from the devices.",
			},
			[]string{"direction"},
		),
		InputBytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "clatd_input_bytes_total",
				Help: "Total number of bytes read from the devices.",
			},
			[]string{"direction"},
		),
		OutputPacketsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "clatd_output_pkts_total",
				Help: "Total number of translated packets written out.",
			},
			[]string{"direction"},
		),
		OutputBytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "clatd_output_bytes_total",
				Help: "Total number of translated bytes written out.",
			},
			[]string{"direction"},
		),
		DroppedPacketsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "clatd_dropped_pkts_total",
				Help: "Total number of packets dropped by the translator.",
			},
			[]string{"direction", "reason"},
		),
		ReadErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "clatd_read_errors_total",
				Help: "Total number of read errors on the devices.",
			},
			[]string{"direction"},
		),
		PrefixChecksTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "clatd_prefix_checks_total",
				Help: "Total number of uplink prefix re-validations.",
			},
		),
		Running: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "clatd_running",
				Help: "Either zero or one depending on whether the event loop is running.",
			},
		),
	}
}

// dropReason classifies a translation error for the drop counter.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, ErrUntranslatable):
		return ReasonAddress
	default:
		return "other"
	}
}
