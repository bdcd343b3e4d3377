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

package rwsplit

import (
	"fmt"
	"strings"
	"time"
)

// CausalReadsMode selects the causal read discipline.
type CausalReadsMode int

const (
	CausalReadsNone CausalReadsMode = iota
	CausalReadsLocal
	CausalReadsUniversal
	CausalReadsFastUniversal
)

// UnmarshalText lets configuration files use the option names.
func (m *CausalReadsMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "none", "false":
		*m = CausalReadsNone
	case "local", "true":
		*m = CausalReadsLocal
	case "universal":
		*m = CausalReadsUniversal
	case "fast_universal":
		*m = CausalReadsFastUniversal
	default:
		return fmt.Errorf("unknown causal_reads mode: %s", text)
	}
	return nil
}

// ChecksumMode selects which statements contribute to the transaction
// replay checksum.
type ChecksumMode int

const (
	// ChecksumFull hashes every response in the transaction.
	ChecksumFull ChecksumMode = iota
	// ChecksumResultOnly excludes OK packets and session commands.
	ChecksumResultOnly
	// ChecksumNoInsertID additionally excludes statements reading
	// LAST_INSERT_ID, which legitimately differs after a replay.
	ChecksumNoInsertID
)

func (m *ChecksumMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "full":
		*m = ChecksumFull
	case "result_only":
		*m = ChecksumResultOnly
	case "no_insert_id":
		*m = ChecksumNoInsertID
	default:
		return fmt.Errorf("unknown transaction_replay_checksum mode: %s", text)
	}
	return nil
}

// MasterFailureMode selects how the session behaves when the master is
// lost.
type MasterFailureMode int

const (
	// FailInstantly closes the session as soon as the master fails.
	FailInstantly MasterFailureMode = iota
	// FailOnWrite keeps the session alive for reads; the next write
	// fails.
	FailOnWrite
	// ErrorOnWrite keeps the session alive and answers writes with a
	// synthesised read-only error.
	ErrorOnWrite
)

func (m *MasterFailureMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "fail_instantly":
		*m = FailInstantly
	case "", "fail_on_write":
		*m = FailOnWrite
	case "error_on_write":
		*m = ErrorOnWrite
	default:
		return fmt.Errorf("unknown master_failure_mode: %s", text)
	}
	return nil
}

// UseSQLVariablesIn selects where session variable statements execute.
type UseSQLVariablesIn int

const (
	// VariablesAll replicates session variable writes on every backend.
	VariablesAll UseSQLVariablesIn = iota
	// VariablesMaster keeps session variable statements on the master.
	VariablesMaster
)

func (m *UseSQLVariablesIn) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "all":
		*m = VariablesAll
	case "master", "primary":
		*m = VariablesMaster
	default:
		return fmt.Errorf("unknown use_sql_variables_in value: %s", text)
	}
	return nil
}

// Config is the per service router configuration.
type Config struct {
	UseSQLVariablesIn UseSQLVariablesIn `yaml:"use_sql_variables_in"`

	TransactionReplay         bool          `yaml:"transaction_replay"`
	TransactionReplayChecksum ChecksumMode  `yaml:"transaction_replay_checksum"`
	TrxMaxSize                int64         `yaml:"trx_max_size"`
	TrxMaxAttempts            int64         `yaml:"trx_max_attempts"`
	TrxTimeout                time.Duration `yaml:"trx_timeout"`
	TrxRetryOnDeadlock        bool          `yaml:"trx_retry_on_deadlock"`
	TrxRetryOnMismatch        bool          `yaml:"trx_retry_on_mismatch"`

	CausalReads        CausalReadsMode `yaml:"causal_reads"`
	CausalReadsTimeout time.Duration   `yaml:"causal_reads_timeout"`

	RetryFailedReads    bool          `yaml:"retry_failed_reads"`
	DelayedRetry        bool          `yaml:"delayed_retry"`
	DelayedRetryTimeout time.Duration `yaml:"delayed_retry_timeout"`

	MasterReconnection bool              `yaml:"master_reconnection"`
	MasterFailureMode  MasterFailureMode `yaml:"master_failure_mode"`

	StrictMultiStmt bool `yaml:"strict_multi_stmt"`
	StrictSpCalls   bool `yaml:"strict_sp_calls"`
	StrictTmpTables bool `yaml:"strict_tmp_tables"`

	ReusePs       bool `yaml:"reuse_ps"`
	OptimisticTrx bool `yaml:"optimistic_trx"`

	MaxReplicationLag time.Duration `yaml:"max_replication_lag"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		TrxMaxSize:          1024 * 1024,
		TrxMaxAttempts:      5,
		CausalReadsTimeout:  10 * time.Second,
		DelayedRetryTimeout: 10 * time.Second,
		MasterFailureMode:   FailOnWrite,
	}
}

// Validate rejects option combinations the router cannot honour.
func (c *Config) Validate() error {
	if c.TrxMaxSize <= 0 {
		return fmt.Errorf("trx_max_size must be positive, got %d", c.TrxMaxSize)
	}
	if c.TrxMaxAttempts < 0 {
		return fmt.Errorf("trx_max_attempts must not be negative, got %d", c.TrxMaxAttempts)
	}
	if c.CausalReads != CausalReadsNone && c.CausalReadsTimeout <= 0 {
		return fmt.Errorf("causal_reads_timeout must be positive when causal_reads is enabled")
	}
	if c.DelayedRetry && c.DelayedRetryTimeout <= 0 {
		return fmt.Errorf("delayed_retry_timeout must be positive when delayed_retry is enabled")
	}
	return nil
}
