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

package mysql

import (
	"fmt"
	"strings"
)

// SQLError is the error structure returned from calling a db library function
type SQLError struct {
	Num     int
	State   string
	Message string
}

// NewSQLError creates a new SQLError.
// If sqlState is left empty, it will default to "HY000" (general error).
func NewSQLError(number int, sqlState string, format string, args ...interface{}) *SQLError {
	if sqlState == "" {
		sqlState = SSUnknownSQLState
	}
	return &SQLError{
		Num:     number,
		State:   sqlState,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface
func (se *SQLError) Error() string {
	buf := &strings.Builder{}
	buf.WriteString(se.Message)

	// Add MySQL errno and SQLSTATE in a format that we can later parse.
	// There's no avoiding string parsing because all errors
	// are converted to strings anyway at lower levels.
	fmt.Fprintf(buf, " (errno %v) (sqlstate %v)", se.Num, se.State)

	return buf.String()
}

// Number returns the internal MySQL error code.
func (se *SQLError) Number() int {
	return se.Num
}

// SQLState returns the SQLSTATE value.
func (se *SQLError) SQLState() string {
	return se.State
}

// IsRollback tells whether the error implies the server rolled the
// transaction back. SQLSTATE class 40 covers transaction rollbacks,
// deadlocks included.
func (se *SQLError) IsRollback() bool {
	return se != nil && strings.HasPrefix(se.State, "40")
}

// IsWsrepNotReady recognises the Galera "node not ready" error. The node
// is starting up and the statement can be retried elsewhere.
func (se *SQLError) IsWsrepNotReady() bool {
	return se != nil && se.Num == ERUnknownComError && se.State == SSNetError &&
		se.Message == wsrepNotReadyMessage
}

// IsUnexpectedError tells whether the error is one a backend sends on its
// own initiative when shutting down or killing the connection, as opposed
// to an error caused by the statement itself.
func (se *SQLError) IsUnexpectedError() bool {
	if se == nil {
		return false
	}
	switch se.Num {
	case ERServerShutdown, ERNormalShutdown, ERConnectionKilled:
		return true
	}
	return false
}

// IsConnLost tells whether the error is a client side connection loss
// (CR_SERVER_LOST or CR_SERVER_GONE_ERROR).
func (se *SQLError) IsConnLost() bool {
	return se != nil && (se.Num == CRServerLost || se.Num == CRServerGone)
}
