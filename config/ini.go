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

package config

import (
	"time"

	"github.com/go-ini/ini"

	"github.com/endink/go-rwsplit/util"
)

// LoadIni reads a flat, MariaDB proxy style .cnf file. A [service]
// section carries the router options, each [server:<name>] section one
// upstream server.
func LoadIni(path string) (*Proxy, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, util.Wrapf(err, "loading %s", path)
	}

	proxy := Default()

	if svc := f.Section("service"); svc != nil {
		r := &proxy.Router
		proxy.Listen = svc.Key("listen").MustString(proxy.Listen)
		proxy.MetricsAddr = svc.Key("metrics_addr").MustString(proxy.MetricsAddr)
		proxy.LogLevel = svc.Key("log_level").MustString(proxy.LogLevel)

		if v := svc.Key("use_sql_variables_in").String(); v != "" {
			if err := r.UseSQLVariablesIn.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
		}
		r.TransactionReplay = svc.Key("transaction_replay").MustBool(r.TransactionReplay)
		if v := svc.Key("transaction_replay_checksum").String(); v != "" {
			if err := r.TransactionReplayChecksum.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
		}
		r.TrxMaxSize = svc.Key("trx_max_size").MustInt64(r.TrxMaxSize)
		r.TrxMaxAttempts = svc.Key("trx_max_attempts").MustInt64(r.TrxMaxAttempts)
		r.TrxTimeout = durationKey(svc, "trx_timeout", r.TrxTimeout)
		r.TrxRetryOnDeadlock = svc.Key("trx_retry_on_deadlock").MustBool(r.TrxRetryOnDeadlock)
		r.TrxRetryOnMismatch = svc.Key("trx_retry_on_mismatch").MustBool(r.TrxRetryOnMismatch)
		if v := svc.Key("causal_reads").String(); v != "" {
			if err := r.CausalReads.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
		}
		r.CausalReadsTimeout = durationKey(svc, "causal_reads_timeout", r.CausalReadsTimeout)
		r.RetryFailedReads = svc.Key("retry_failed_reads").MustBool(r.RetryFailedReads)
		r.DelayedRetry = svc.Key("delayed_retry").MustBool(r.DelayedRetry)
		r.DelayedRetryTimeout = durationKey(svc, "delayed_retry_timeout", r.DelayedRetryTimeout)
		r.MasterReconnection = svc.Key("master_reconnection").MustBool(r.MasterReconnection)
		if v := svc.Key("master_failure_mode").String(); v != "" {
			if err := r.MasterFailureMode.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
		}
		r.StrictMultiStmt = svc.Key("strict_multi_stmt").MustBool(r.StrictMultiStmt)
		r.StrictSpCalls = svc.Key("strict_sp_calls").MustBool(r.StrictSpCalls)
		r.StrictTmpTables = svc.Key("strict_tmp_tables").MustBool(r.StrictTmpTables)
		r.ReusePs = svc.Key("reuse_ps").MustBool(r.ReusePs)
		r.OptimisticTrx = svc.Key("optimistic_trx").MustBool(r.OptimisticTrx)
		r.MaxReplicationLag = durationKey(svc, "max_replication_lag", r.MaxReplicationLag)
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		const prefix = "server:"
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		proxy.Servers = append(proxy.Servers, ServerConfig{
			Name: name[len(prefix):],
			Addr: sec.Key("addr").String(),
			Role: sec.Key("role").String(),
			Rank: sec.Key("rank").MustInt64(0),
		})
	}

	if err := proxy.Validate(); err != nil {
		return nil, err
	}
	return proxy, nil
}

func durationKey(sec *ini.Section, name string, def time.Duration) time.Duration {
	v := sec.Key(name).String()
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are seconds, matching the documented option format.
	if n, err := sec.Key(name).Int64(); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
