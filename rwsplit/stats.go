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

package rwsplit

import (
	"context"

	"github.com/endink/go-rwsplit/metrics"
	"github.com/endink/go-rwsplit/telemetry"
	"github.com/endink/go-rwsplit/util/sync2"
	"go.opentelemetry.io/otel/label"
)

// RouterMeter is the meter router instruments register on.
var RouterMeter = telemetry.GetMeter("rwsplit")

// Stats are the router wide counters shared by all sessions of one
// service. Updates use relaxed atomics; sessions never block on them.
type Stats struct {
	nSessions  sync2.AtomicInt64
	nTrxReplay sync2.AtomicInt64
	nTrxTooBig sync2.AtomicInt64

	selectTimes  telemetry.DurationValueRecorder
	sessionTimes telemetry.DurationValueRecorder
}

// NewStats creates the counter set and registers its observers.
func NewStats() *Stats {
	s := &Stats{
		selectTimes:  RouterMeter.NewDurationValueRecorder("select_time", "Per target select latency"),
		sessionTimes: RouterMeter.NewDurationValueRecorder("session_time", "Per target backend session time"),
	}
	RouterMeter.NewInt64SumObserver("sessions", "Total sessions", s.nSessions.Get)
	RouterMeter.NewInt64SumObserver("trx_replay", "Replayed transactions", s.nTrxReplay.Get)
	RouterMeter.NewInt64SumObserver("trx_too_big", "Transactions too large to replay", s.nTrxTooBig.Get)
	return s
}

// AddSession counts a new client session.
func (s *Stats) AddSession() {
	s.nSessions.Add(1)
	metrics.Sessions.Inc()
}

// AddTrxReplay counts a completed transaction replay.
func (s *Stats) AddTrxReplay() {
	s.nTrxReplay.Add(1)
	metrics.TrxReplays.Inc()
}

// AddTrxTooBig counts a transaction that outgrew trx_max_size.
func (s *Stats) AddTrxTooBig() {
	s.nTrxTooBig.Add(1)
	metrics.TrxTooBig.Inc()
}

// Sessions returns the session count.
func (s *Stats) Sessions() int64 {
	return s.nSessions.Get()
}

// TrxReplays returns the replay count.
func (s *Stats) TrxReplays() int64 {
	return s.nTrxReplay.Get()
}

// TrxTooBig returns the too-big count.
func (s *Stats) TrxTooBig() int64 {
	return s.nTrxTooBig.Get()
}

// recordBackendTimers flushes a backend's timers when its session ends.
func (s *Stats) recordBackendTimers(b *Backend) {
	if s == nil || b == nil {
		return
	}
	lb := label.String("target", b.Name())
	ctx := context.Background()
	if !b.sessionStart.IsZero() {
		s.sessionTimes.RecordLatency(ctx, b.sessionStart, lb)
	}
	if b.selectTotal > 0 {
		s.selectTimes.Record(ctx, b.selectTotal, lb)
	}
}
