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
	"errors"

	"github.com/endink/go-rwsplit/mysql"
)

var (
	errBackendNotInUse = errors.New("backend connection is not in use")
	errNoTarget        = errors.New("no valid target for statement")
	errSessionClosed   = errors.New("session is closed")
)

// checksumMismatchError is the error surfaced when a replayed
// transaction produced a different result than the original.
func checksumMismatchError() *mysql.SQLError {
	return mysql.NewSQLError(mysql.ERConnectionKilled, mysql.SSNetError,
		"Transaction checksum mismatch encountered when replaying transaction.")
}

// readOnlyError is the error sent for writes while the master is gone
// and master_failure_mode is error_on_write.
func readOnlyError() *mysql.SQLError {
	return mysql.NewSQLError(mysql.EROptionPreventsStatement, mysql.SSUnknownSQLState,
		"The MariaDB server is running with the --read-only option so it cannot execute this statement")
}

// causalTimeoutError is the error sent when a universal causal read
// could not observe the required GTID in time.
func causalTimeoutError() *mysql.SQLError {
	return mysql.NewSQLError(mysql.ERLockWaitTimeout, mysql.SSUnknownSQLState,
		"Causal read timed out while the replica was catching up")
}

// replayBudgetError is surfaced when replay gives up.
func replayBudgetError(reason string) *mysql.SQLError {
	return mysql.NewSQLError(mysql.ERConnectionKilled, mysql.SSNetError,
		"Transaction replay failed: %s", reason)
}
