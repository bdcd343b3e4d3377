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
	"strings"

	"github.com/endink/go-rwsplit/mysql"
)

// TypeMask is the bitset of statement classifications produced by the
// Parser for one client packet.
type TypeMask uint32

const (
	TypeRead TypeMask = 1 << iota
	TypeWrite
	TypeSessionWrite
	TypeUserVarRead
	TypeUserVarWrite
	TypeSysVarRead
	TypeGlobalWrite
	TypeBeginTrx
	TypeCommit
	TypeRollback
	TypeReadOnly
	TypeReadWrite
	TypeNextTrx
	TypeEnableAutocommit
	TypeDisableAutocommit
	TypePrepareNamed
	TypePrepareStmt
	TypeExecStmt
	TypeDeallocPrepare
	TypeMasterRead
	TypeCall
	TypeCreateTmpTable
)

// Has tells whether every bit of m2 is set in m.
func (m TypeMask) Has(m2 TypeMask) bool {
	return m&m2 == m2
}

// HasAny tells whether any bit of m2 is set in m.
func (m TypeMask) HasAny(m2 TypeMask) bool {
	return m&m2 != 0
}

// IsWrite tells whether the statement must modify data on the master.
func (m TypeMask) IsWrite() bool {
	return m.HasAny(TypeWrite)
}

// IsSessionWrite tells whether the statement changes connection state and
// must be replayed on every backend the session will use.
func (m TypeMask) IsSessionWrite() bool {
	return m.HasAny(TypeSessionWrite)
}

// IsRead tells whether the statement can be served from a replica.
func (m TypeMask) IsRead() bool {
	return m.HasAny(TypeRead|TypeUserVarRead|TypeSysVarRead) && !m.HasAny(TypeWrite|TypeMasterRead)
}

// HintKind identifies a routing hint attached to the statement.
type HintKind int

const (
	HintNone HintKind = iota
	HintRouteToMaster
	HintRouteToSlave
	HintRouteToNamed
	HintRouteToLastUsed
	HintRouteToAll
	HintRouteToUptodate
	HintParameter
)

// Hint is a routing hint extracted from statement comments.
type Hint struct {
	Kind   HintKind
	Target string // server name for HintRouteToNamed
}

// RouteInfo is the classification of the current client packet.
type RouteInfo struct {
	Command        byte
	TypeMask       TypeMask
	Tables         []string
	StmtName       string // name of a text protocol prepared statement
	StmtID         uint32 // internal id for binary protocol statements
	LargePacket    bool
	MultiStatement bool
	Hint           Hint
}

// Parser classifies client packets. An implementation backed by a real
// SQL parser lives in the parser package; the router only depends on this
// interface.
type Parser interface {
	Classify(packet []byte) (RouteInfo, error)
}

// routeTracker owns the per session classification state: the current
// RouteInfo plus the transaction sub-machine derived from the type masks.
// Update must be reversible because a statement that gets queued is
// reclassified when it is finally routed.
type routeTracker struct {
	parser Parser

	current RouteInfo
	trx     trxState

	prev     RouteInfo
	prevTrx  trxState
	reverted bool
}

// trxState is the transaction sub-machine, orthogonal to the session
// state machine.
type trxState struct {
	open          bool
	readOnly      bool
	nextReadOnly  bool
	autocommit    bool
	ending        bool
	implicitBegin bool
}

func newRouteTracker(p Parser) routeTracker {
	return routeTracker{
		parser: p,
		trx:    trxState{autocommit: true},
	}
}

// Update classifies the packet and advances the transaction sub-machine.
func (t *routeTracker) Update(packet []byte) (RouteInfo, error) {
	info, err := t.parser.Classify(packet)
	if err != nil {
		return RouteInfo{}, err
	}

	t.prev = t.current
	t.prevTrx = t.trx
	t.reverted = false
	t.current = info

	mask := info.TypeMask
	switch {
	case mask.Has(TypeBeginTrx):
		t.trx.open = true
		t.trx.ending = false
		t.trx.implicitBegin = false
		t.trx.readOnly = t.trx.nextReadOnly || mask.Has(TypeReadOnly)
		t.trx.nextReadOnly = false
	case mask.HasAny(TypeCommit | TypeRollback):
		t.trx.ending = t.trx.open
	case mask.Has(TypeEnableAutocommit):
		t.trx.autocommit = true
		t.trx.ending = t.trx.open
	case mask.Has(TypeDisableAutocommit):
		t.trx.autocommit = false
	case mask.Has(TypeNextTrx):
		// SET TRANSACTION only affects the next transaction.
		t.trx.nextReadOnly = mask.Has(TypeReadOnly)
	}

	// With autocommit disabled any following statement starts an
	// implicit transaction.
	if !t.trx.open && !t.trx.autocommit &&
		!mask.HasAny(TypeCommit|TypeRollback|TypeDisableAutocommit) {
		t.trx.open = true
		t.trx.implicitBegin = true
		t.trx.readOnly = t.trx.nextReadOnly
		t.trx.nextReadOnly = false
	}

	return info, nil
}

// Revert rolls the classifier back to the state before the last Update.
// Used when the statement was queued instead of routed.
func (t *routeTracker) Revert() {
	if t.reverted {
		return
	}
	t.current = t.prev
	t.trx = t.prevTrx
	t.reverted = true
}

// UpdateFromReply finalises transitions that require the server's
// acknowledgement: transaction commit/rollback completion.
func (t *routeTracker) UpdateFromReply(reply *mysql.Reply) {
	if !reply.IsComplete() || reply.Error() != nil {
		return
	}
	if t.trx.ending {
		t.trx.open = false
		t.trx.ending = false
		t.trx.readOnly = false
		t.trx.implicitBegin = false
	}
}

func (t *routeTracker) trxIsOpen() bool {
	return t.trx.open
}

func (t *routeTracker) trxIsReadOnly() bool {
	return t.trx.open && t.trx.readOnly
}

// trxIsEnding is true while the COMMIT/ROLLBACK reply has not arrived.
func (t *routeTracker) trxIsEnding() bool {
	return t.trx.ending
}

func (t *routeTracker) routeInfo() RouteInfo {
	return t.current
}

// isolationLevel returns the transaction isolation the reply reports the
// session switched to, across the variable spellings, and whether any
// was present.
func isolationLevel(reply *mysql.Reply) (string, bool) {
	for _, name := range []string{"trx_characteristics", "tx_isolation", "transaction_isolation"} {
		if v := reply.Variable(name); v != "" {
			return strings.ToUpper(v), true
		}
	}
	return "", false
}
