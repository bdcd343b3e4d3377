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

package mysql

// Client commands, the first byte of an application layer packet.
const (
	ComSleep byte = iota
	ComQuit
	ComInitDB
	ComQuery
	ComFieldList
	ComCreateDB
	ComDropDB
	ComRefresh
	ComShutdown
	ComStatistics
	ComProcessInfo
	ComConnect
	ComProcessKill
	ComDebug
	ComPing
	ComTime
	ComDelayedInsert
	ComChangeUser
	ComBinlogDump
	ComTableDump
	ComConnectOut
	ComRegisterSlave
	ComStmtPrepare
	ComStmtExecute
	ComStmtSendLongData
	ComStmtClose
	ComStmtReset
	ComSetOption
	ComStmtFetch
)

// First byte of server response packets.
const (
	OKPacket  = 0x00
	EOFPacket = 0xfe
	ErrPacket = 0xff
)

// Server error codes used by the router.
const (
	// ERLockDeadlock is returned when a transaction is chosen as a
	// deadlock victim and rolled back.
	ERLockDeadlock = 1213
	// ERLockWaitTimeout is returned when a lock wait exceeds
	// innodb_lock_wait_timeout.
	ERLockWaitTimeout = 1205
	// EROptionPreventsStatement is returned for writes on a server that
	// has been switched to read-only.
	EROptionPreventsStatement = 1290
	// ERUnknownComError is the code Galera uses for the "WSREP has not
	// yet prepared node for application use" error.
	ERUnknownComError = 1047
	// ERServerShutdown and ERNormalShutdown indicate the server is going
	// down while a statement was in flight.
	ERServerShutdown = 1053
	ERNormalShutdown = 1077
	// ERConnectionKilled is sent when the connection executing the
	// statement is killed. The same number doubles as the code of the
	// synthesised transaction checksum mismatch error.
	ERConnectionKilled = 1927
	// ERParseError is returned for statements the classifier rejects.
	ERParseError = 1064
)

// Client error codes (CR_*), used when the router itself detects a
// connection level failure.
const (
	CRConnectionError = 2002
	CRConnHostError   = 2003
	CRServerGone      = 2006
	CRServerLost      = 2013
)

// SQL states.
const (
	SSUnknownSQLState = "HY000"
	SSNetError        = "08S01"
	SSDeadlock        = "40001"
	SSSyntaxError     = "42000"
)

// wsrepNotReadyMessage is the exact message Galera emits while a node is
// still syncing. Matched verbatim to recognise the error as transient.
const wsrepNotReadyMessage = "WSREP has not yet prepared node for application use"
