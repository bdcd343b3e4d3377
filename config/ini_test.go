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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endink/go-rwsplit/cluster"
	"github.com/endink/go-rwsplit/rwsplit"
)

const sampleIni = `
[service]
listen = :14006
transaction_replay = true
transaction_replay_checksum = no_insert_id
trx_max_size = 65536
trx_max_attempts = 3
trx_timeout = 30s
trx_retry_on_deadlock = true
causal_reads = universal
causal_reads_timeout = 5s
retry_failed_reads = true
delayed_retry = true
delayed_retry_timeout = 20
master_reconnection = true
master_failure_mode = error_on_write
strict_multi_stmt = true
reuse_ps = true
max_replication_lag = 10s

[server:master1]
addr = 10.0.0.1:3306
role = master

[server:replica1]
addr = 10.0.0.2:3306
role = slave
rank = 2
`

func writeTempIni(t *testing.T, content string) string {
	dir, err := ioutil.TempDir("", "rwsplit-config")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "rwsplit.cnf")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadIni(t *testing.T) {
	proxy, err := LoadIni(writeTempIni(t, sampleIni))
	require.NoError(t, err)

	assert.Equal(t, ":14006", proxy.Listen)

	want := rwsplit.Config{
		TransactionReplay:         true,
		TransactionReplayChecksum: rwsplit.ChecksumNoInsertID,
		TrxMaxSize:                65536,
		TrxMaxAttempts:            3,
		TrxTimeout:                30 * time.Second,
		TrxRetryOnDeadlock:        true,
		CausalReads:               rwsplit.CausalReadsUniversal,
		CausalReadsTimeout:        5 * time.Second,
		RetryFailedReads:          true,
		DelayedRetry:              true,
		// Bare numbers are read as seconds.
		DelayedRetryTimeout: 20 * time.Second,
		MasterReconnection:  true,
		MasterFailureMode:   rwsplit.ErrorOnWrite,
		StrictMultiStmt:     true,
		ReusePs:             true,
		MaxReplicationLag:   10 * time.Second,
	}
	if diff := cmp.Diff(want, proxy.Router); diff != "" {
		t.Errorf("router config mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, proxy.Servers, 2)
	servers := proxy.BuildServers()
	assert.Equal(t, "master1", servers[0].Name())
	assert.Equal(t, cluster.RoleMaster, servers[0].Role())
	assert.Equal(t, cluster.RoleSlave, servers[1].Role())
	assert.EqualValues(t, 2, servers[1].Rank())
}

func TestLoadIniRejectsBadValues(t *testing.T) {
	bad := `
[service]
master_failure_mode = explode

[server:master1]
addr = 10.0.0.1:3306
role = master
`
	_, err := LoadIni(writeTempIni(t, bad))
	assert.Error(t, err)
}

func TestValidateRejectsEmptyAndDuplicateServers(t *testing.T) {
	p := Default()
	assert.Error(t, p.Validate())

	p.Servers = []ServerConfig{
		{Name: "db1", Addr: "10.0.0.1:3306"},
		{Name: "db1", Addr: "10.0.0.2:3306"},
	}
	assert.Error(t, p.Validate())

	p.Servers = []ServerConfig{
		{Name: "db1", Addr: "10.0.0.1:3306"},
	}
	assert.NoError(t, p.Validate())
}
