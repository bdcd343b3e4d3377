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

// Reply describes the state of one server response as tracked by the
// protocol layer. The router never parses resultsets itself; it consumes
// the Reply the protocol layer maintains while the response streams
// through it.
type Reply struct {
	// Cmd is the command the response is for.
	Cmd byte
	// Complete is set once the terminating OK/ERR/EOF of the response
	// has been seen.
	Complete bool
	// Started is set once at least one resultset packet has been
	// forwarded. An ERR as the first packet leaves it unset.
	Started bool
	// OK is set when the response concluded with an OK packet.
	OK bool
	// Err holds the error of a response that concluded with an ERR
	// packet, nil otherwise.
	Err *SQLError
	// GeneratedID is the statement id assigned by a COM_STMT_PREPARE
	// response.
	GeneratedID uint32
	// ParamCount is the parameter count of a COM_STMT_PREPARE response.
	ParamCount uint16
	// RowCount counts the data rows seen so far.
	RowCount uint64
	// Variables holds the session variables the server reported changed
	// by this statement (session track info), e.g. transaction_isolation.
	Variables map[string]string
	// Row holds the first row of a single row resultset. The protocol
	// layer populates it for the small probe queries the router injects.
	Row []string
}

// Command returns the command this reply responds to.
func (r *Reply) Command() byte {
	return r.Cmd
}

// IsComplete tells whether the full response has been received.
func (r *Reply) IsComplete() bool {
	return r.Complete
}

// HasStarted tells whether a partial resultset has already been forwarded.
func (r *Reply) HasStarted() bool {
	return r.Started
}

// IsOK tells whether the response concluded with an OK packet.
func (r *Reply) IsOK() bool {
	return r.OK
}

// Error returns the error of the response, nil if there was none.
func (r *Reply) Error() *SQLError {
	if r == nil {
		return nil
	}
	return r.Err
}

// Variable returns the session variable value the server attached to this
// response, or an empty string.
func (r *Reply) Variable(name string) string {
	if r == nil || r.Variables == nil {
		return ""
	}
	return r.Variables[strings.ToLower(name)]
}

// Describe returns a short human readable description for logging.
func (r *Reply) Describe() string {
	if r == nil {
		return "<no reply>"
	}
	state := "partial"
	if r.Complete {
		state = "complete"
	}
	if err := r.Error(); err != nil {
		return fmt.Sprintf("cmd 0x%02x, %s, error: %s", r.Cmd, state, err.Error())
	}
	return fmt.Sprintf("cmd 0x%02x, %s, %d rows", r.Cmd, state, r.RowCount)
}
