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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout"
	"go.opentelemetry.io/otel/sdk/export/metric"
	controller "go.opentelemetry.io/otel/sdk/metric/controller/basic"
	processor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	"go.opentelemetry.io/otel/sdk/metric/selector/simple"
)

var metricExporter metric.Exporter

var pusher *controller.Controller

// SetDefaultExporter replaces the exporter used at Start. Must be called
// before Start.
func SetDefaultExporter(exporter metric.Exporter) {
	metricExporter = exporter
}

// Start initializes the metric push pipeline. Call once at service start.
func Start(ctx context.Context) error {
	if metricExporter == nil {
		basicExporter, err := stdout.NewExporter(
			stdout.WithPrettyPrint(),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize stdout export pipeline: %v", err)
		}
		metricExporter = basicExporter
	}

	pusher = controller.New(
		processor.New(
			simple.NewWithExactDistribution(),
			metricExporter,
		),
		controller.WithPusher(metricExporter),
		controller.WithCollectPeriod(5*time.Second),
	)

	return pusher.Start(ctx)
}

// Stop flushes and stops the metric pipeline. Call once at service stop.
func Stop(ctx context.Context) error {
	if pusher == nil {
		return nil
	}
	return pusher.Stop(ctx)
}
