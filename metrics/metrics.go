/*
 * Copyright 2021. Go-Rwsplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

// Package metrics exposes the router counters over a Prometheus scrape
// endpoint. The OpenTelemetry pipeline in telemetry/ remains the primary
// export path; this endpoint exists for deployments that scrape.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sessions counts sessions opened against the router.
	Sessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rwsplit_sessions_total",
			Help: "Total number of client sessions",
		},
	)

	// TrxReplays counts successfully completed transaction replays.
	TrxReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rwsplit_trx_replay_total",
			Help: "Total number of replayed transactions",
		},
	)

	// TrxTooBig counts transactions that exceeded trx_max_size and became
	// non-replayable.
	TrxTooBig = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rwsplit_trx_too_big_total",
			Help: "Total number of transactions too large to replay",
		},
	)

	// ServerQueries counts statements routed per target server.
	ServerQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rwsplit_server_queries_total",
			Help: "Total statements routed to each server",
		},
		[]string{"server"},
	)

	// QueryLatency tracks statement latency per target server.
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rwsplit_query_latency_seconds",
			Help:    "Statement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(Sessions)
		prometheus.MustRegister(TrxReplays)
		prometheus.MustRegister(TrxTooBig)
		prometheus.MustRegister(ServerQueries)
		prometheus.MustRegister(QueryLatency)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
