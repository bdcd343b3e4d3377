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
	"encoding/binary"

	"github.com/endink/go-rwsplit/mysql"
)

// psEntry describes one binary protocol prepared statement known to the
// session. The id the client sees is the internal one; each backend maps
// it to the id its server assigned.
type psEntry struct {
	sql        string
	paramCount uint16
}

// psTracker owns the session's prepared statement bookkeeping and the
// reuse_ps response cache. The client visible (internal) id of a
// statement is the id generated by the first server that prepared it;
// every other backend remaps it to its own id on write.
type psTracker struct {
	byInternal map[uint32]*psEntry
	// cache maps statement text to a previously forwarded PREPARE
	// response, reused when reuse_ps is enabled.
	cache map[string][]byte
}

func newPsTracker() *psTracker {
	return &psTracker{
		byInternal: make(map[uint32]*psEntry),
		cache:      make(map[string][]byte),
	}
}

// storeResponse registers a prepared statement once its PREPARE reply
// arrives with the generated id.
func (t *psTracker) storeResponse(internal uint32, sql string, paramCount uint16) {
	t.byInternal[internal] = &psEntry{sql: sql, paramCount: paramCount}
}

// get returns the entry for an internal id.
func (t *psTracker) get(internal uint32) *psEntry {
	return t.byInternal[internal]
}

// erase forgets a statement on COM_STMT_CLOSE.
func (t *psTracker) erase(internal uint32) {
	delete(t.byInternal, internal)
}

// cacheResponse stores a complete PREPARE response for reuse.
func (t *psTracker) cacheResponse(sql string, response []byte) {
	t.cache[sql] = response
}

// cachedResponse returns a previously stored PREPARE response.
func (t *psTracker) cachedResponse(sql string) []byte {
	return t.cache[sql]
}

// stmtID extracts the statement id of a binary protocol packet, 0 when
// the command carries none.
func stmtID(packet []byte) uint32 {
	if len(packet) < 5 {
		return 0
	}
	switch mysql.Command(packet) {
	case mysql.ComStmtExecute, mysql.ComStmtClose, mysql.ComStmtReset, mysql.ComStmtSendLongData, mysql.ComStmtFetch:
		return binary.LittleEndian.Uint32(packet[1:5])
	}
	return 0
}
