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

package testkit

import (
	"github.com/endink/go-rwsplit/mysql"
)

// OKReply builds a complete OK reply for the command.
func OKReply(cmd byte) *mysql.Reply {
	return &mysql.Reply{Cmd: cmd, Complete: true, OK: true}
}

// ErrReply builds a complete error reply.
func ErrReply(cmd byte, num int, state, message string) *mysql.Reply {
	return &mysql.Reply{
		Cmd:      cmd,
		Complete: true,
		Err:      mysql.NewSQLError(num, state, "%s", message),
	}
}

// PartialReply builds an incomplete resultset reply.
func PartialReply(cmd byte) *mysql.Reply {
	return &mysql.Reply{Cmd: cmd, Started: true}
}

// CompleteResult builds a finished resultset reply.
func CompleteResult(cmd byte, rows uint64) *mysql.Reply {
	return &mysql.Reply{Cmd: cmd, Complete: true, Started: true, RowCount: rows}
}

// RowReply builds a complete single row resultset reply, as the
// protocol layer produces for injected probe queries.
func RowReply(cmd byte, values ...string) *mysql.Reply {
	return &mysql.Reply{Cmd: cmd, Complete: true, Started: true, RowCount: 1, Row: values}
}

// VarReply builds a complete OK reply carrying session track variables.
func VarReply(cmd byte, vars map[string]string) *mysql.Reply {
	return &mysql.Reply{Cmd: cmd, Complete: true, OK: true, Variables: vars}
}

// Query builds a COM_QUERY packet.
func Query(sql string) []byte {
	return mysql.MakeQueryPacket(sql)
}
