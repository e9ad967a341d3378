// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spawner

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric result label values.
const (
	resultSuccess   = "success"
	resultException = "exception"
	resultExit      = "exit"
	resultError     = "error"
	resultTransport = "transport"
)

type metrics struct {
	// starts tracks spawner starts by preload result
	starts *prometheus.CounterVec
	// spawns tracks worker spawns by result
	spawns *prometheus.CounterVec
	// spawnDuration tracks how long successful spawns take, including the
	// worker handshake
	spawnDuration prometheus.Histogram
}

// newMetrics returns the spawner metrics, registered with the passed
// registerer if non-nil. Metrics already registered by other spawners using
// the same registerer get shared.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prefork_spawner_starts_total",
				Help: "Total spawner starts by preload result",
			},
			[]string{"result"},
		),
		spawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prefork_spawns_total",
				Help: "Total worker spawns by result",
			},
			[]string{"result"},
		),
		spawnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prefork_spawn_duration_seconds",
				Help:    "Duration of successful worker spawns",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
	}
	if reg == nil {
		return m
	}
	m.starts = register(reg, m.starts)
	m.spawns = register(reg, m.spawns)
	m.spawnDuration = register(reg, m.spawnDuration)
	return m
}

// register the passed collector, returning either it or the already
// registered collector of the same description.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	// inconsistent registrations: keep collecting, but unexported.
	return c
}

// recordStart increments the start counter
func (m *metrics) recordStart(result string) {
	m.starts.WithLabelValues(result).Inc()
}

// recordSpawn increments the spawn counter
func (m *metrics) recordSpawn(result string) {
	m.spawns.WithLabelValues(result).Inc()
}
