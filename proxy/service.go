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
 *
 *  File author: Anders Xiao
 */

// Package proxy glues the router core to a service: configuration,
// shared statistics and session construction. The wire protocol and
// authentication layer plugs in through the rwsplit interfaces.
package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/endink/go-rwsplit/cluster"
	"github.com/endink/go-rwsplit/config"
	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/metrics"
	"github.com/endink/go-rwsplit/parser"
	"github.com/endink/go-rwsplit/rwsplit"
	"github.com/endink/go-rwsplit/util/timer"
)

var log = logging.GetLogger("proxy")

// Service owns the process wide router resources: the shared classifier,
// the statistics and the cluster view.
type Service struct {
	cfg        *config.Proxy
	servers    []*cluster.Server
	stats      *rwsplit.Stats
	classifier *parser.Classifier

	metricsSrv *http.Server
	ticks      *timer.Timer
}

// NewService builds the service from its configuration.
func NewService(cfg *config.Proxy) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics.Init()
	s := &Service{
		cfg:        cfg,
		servers:    cfg.BuildServers(),
		stats:      rwsplit.NewStats(),
		classifier: parser.New(),
		ticks:      timer.NewTimer(time.Minute),
	}
	s.ticks.Start(s.logClusterState)
	return s, nil
}

// logClusterState periodically records the monitor view, useful when
// correlating routing decisions with role changes.
func (s *Service) logClusterState() {
	for _, srv := range s.servers {
		log.Debugf("server '%s' (%s): %s, rank %d, lag %s, %d queries",
			srv.Name(), srv.Addr(), srv.StatusString(), srv.Rank(), srv.Lag(), srv.QueryCount())
	}
}

// Servers returns the cluster view the monitor updates.
func (s *Service) Servers() []*cluster.Server {
	return s.servers
}

// Stats returns the router counters.
func (s *Service) Stats() *rwsplit.Stats {
	return s.stats
}

// NewSession creates the routing engine for one accepted client
// connection.
func (s *Service) NewSession(client rwsplit.ClientIo, connector rwsplit.Connector,
	scheduler rwsplit.Scheduler) (*rwsplit.Session, error) {
	if scheduler == nil {
		scheduler = timerScheduler{}
	}
	return rwsplit.NewSession(&s.cfg.Router, s.servers, s.classifier, client, connector, scheduler, s.stats)
}

// StartMetrics exposes the Prometheus endpoint.
func (s *Service) StartMetrics() {
	if s.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Infof("metrics endpoint listening on %s", s.cfg.MetricsAddr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics endpoint failed: %v", err)
		}
	}()
}

// Stop shuts the service down.
func (s *Service) Stop(ctx context.Context) {
	s.ticks.Stop()
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}
}

// timerScheduler is the default delayed retry scheduler. Deployments
// embedding the router in a reactor replace it so callbacks run in the
// session's event context.
type timerScheduler struct{}

func (timerScheduler) Delay(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
