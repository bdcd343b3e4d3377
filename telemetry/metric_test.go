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

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetMeterReturnsSameInstance(t *testing.T) {
	a := GetMeter("rwsplit-test")
	b := GetMeter("rwsplit-test")
	assert.Same(t, a, b)
}

func TestRecordersAreCached(t *testing.T) {
	m := GetMeter("rwsplit-test-recorders")
	c1 := m.NewInt64Counter("queries", "query count")
	c2 := m.NewInt64Counter("queries", "query count")
	assert.Equal(t, c1, c2)

	// Recording through the no-op pipeline must not panic.
	c1.Add(context.Background(), 1)

	r := m.NewDurationValueRecorder("latency", "latency")
	r.Record(context.Background(), 5*time.Millisecond)
	r.RecordLatency(context.Background(), time.Now())

	d := m.NewDurationCounter("busy", "busy time")
	d.Add(context.Background(), time.Second)
}

func TestObserversRegisterWithoutPipeline(t *testing.T) {
	m := GetMeter("rwsplit-test-observers")
	m.NewInt64SumObserver("total", "total", func() int64 { return 42 })
	m.NewInt64ValueObserver("current", "current", func() int64 { return 1 })
	m.NewDurationObserver("uptime", "uptime", func() time.Duration { return time.Minute })
}
