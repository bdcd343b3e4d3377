// Copyright 2021 The Go-Rwsplit Authors. All Rights Reserved.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/endink/go-rwsplit/config"
	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/proxy"
	"github.com/endink/go-rwsplit/telemetry"
)

func main() {
	var configFile = flag.String("config", "", "rwsplit ini config file (yaml locations are searched otherwise)")
	flag.Parse()

	var cfg *config.Proxy
	var err error
	if *configFile != "" {
		cfg, err = config.LoadIni(*configFile)
	} else {
		cfg, err = config.NewManager().Load()
	}
	if err != nil {
		fmt.Printf("parse config error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telemetry.Start(ctx); err != nil {
		logging.DefaultLogger.Fatalf("telemetry start failed: %v", err)
	}

	svc, err := proxy.NewService(cfg)
	if err != nil {
		logging.DefaultLogger.Fatalf("service start failed: %v", err)
	}
	svc.StartMetrics()

	logging.DefaultLogger.Infof("rwsplit proxy started, %d servers configured", len(cfg.Servers))

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sc

	logging.DefaultLogger.Infof("received signal %v, shutting down", sig)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	svc.Stop(shutdownCtx)
	if err := telemetry.Stop(shutdownCtx); err != nil {
		logging.DefaultLogger.Warnf("telemetry stop failed: %v", err)
	}
}
