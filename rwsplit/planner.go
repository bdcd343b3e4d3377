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
	"github.com/endink/go-rwsplit/cluster"
)

// RouteTarget is the kind of backend a statement must reach.
type RouteTarget int

const (
	TargetNone RouteTarget = iota
	TargetMaster
	TargetSlave
	TargetAll
	TargetNamed
	TargetLastUsed
)

func (t RouteTarget) String() string {
	switch t {
	case TargetMaster:
		return "MASTER"
	case TargetSlave:
		return "SLAVE"
	case TargetAll:
		return "ALL"
	case TargetNamed:
		return "NAMED"
	case TargetLastUsed:
		return "LAST_USED"
	default:
		return "NONE"
	}
}

// RoutingPlan is the planner's decision for one statement.
type RoutingPlan struct {
	Target  RouteTarget
	Backend *Backend
	// CausalRead marks a read that must wait for the session GTID.
	CausalRead bool
	// GtidProbe marks that a probe must run before the statement.
	GtidProbe bool
}

// resolveRoute maps the route info and session state to a routing plan.
// The decision itself is pure; it only reads state.
func (s *Session) resolveRoute(info RouteInfo) RoutingPlan {
	plan := RoutingPlan{Target: TargetMaster}

	if hinted, ok := s.resolveHint(info); ok {
		return hinted
	}

	mask := info.TypeMask
	switch {
	case s.isLockedToMaster():
		plan.Target = TargetMaster
	case mask.IsSessionWrite():
		if s.cfg.UseSQLVariablesIn == VariablesMaster {
			plan.Target = TargetMaster
		} else {
			plan.Target = TargetAll
		}
	case mask.IsWrite() || mask.HasAny(TypeMasterRead|TypeUserVarWrite|TypeGlobalWrite):
		plan.Target = TargetMaster
	case s.trxIsOpen() && !s.trxIsReadOnly():
		plan.Target = TargetMaster
	case s.trxIsOpen() && s.trxIsReadOnly():
		// Read-only transactions stay on the backend they started on.
		plan.Target = TargetSlave
		if t := s.trx.Target(); t != nil && t.InUse() {
			plan.Backend = t
		}
	case mask.IsRead():
		plan.Target = TargetSlave
	case mask.HasAny(TypePrepareStmt | TypePrepareNamed | TypeDeallocPrepare):
		// Statement bookkeeping runs everywhere so every backend can
		// execute it later.
		plan.Target = TargetAll
	case mask.Has(TypeExecStmt):
		plan.Target = TargetMaster
	}

	// Transactions started with optimistic execution run on a slave
	// until the first write shows up. The transaction must be
	// replayable for the eventual migration to the master.
	if plan.Target == TargetMaster && !s.isLockedToMaster() &&
		(s.inOptimisticTrx() ||
			(s.cfg.OptimisticTrx && s.cfg.TransactionReplay && mask.Has(TypeBeginTrx))) {
		plan.Target = TargetSlave
		if t := s.trx.Target(); t != nil && t.InUse() {
			plan.Backend = t
		}
	}

	switch plan.Target {
	case TargetMaster:
		plan.Backend = s.pickMaster()
	case TargetSlave:
		if plan.Backend == nil {
			plan.Backend = s.pickSlave()
		}
		if plan.Backend == nil {
			// No eligible replica, fall back to the master.
			plan.Target = TargetMaster
			plan.Backend = s.pickMaster()
		} else if s.cfg.CausalReads != CausalReadsNone && s.gtid != "" {
			plan.CausalRead = true
		}
	case TargetAll:
		if m := s.pickMaster(); m != nil {
			plan.Backend = m
		}
	}

	return plan
}

// resolveHint applies a routing hint when hints are honoured in the
// current state. Hints inside a transaction are ignored while
// transaction replay or causal reads are enabled, to keep the
// transaction on one server. ROUTE_TO_ALL and ROUTE_TO_UPTODATE_SERVER
// are never honoured.
func (s *Session) resolveHint(info RouteInfo) (RoutingPlan, bool) {
	if info.Hint.Kind == HintNone {
		return RoutingPlan{}, false
	}
	switch info.Hint.Kind {
	case HintRouteToAll, HintRouteToUptodate:
		return RoutingPlan{}, false
	}
	if s.trxIsOpen() && (s.cfg.TransactionReplay || s.cfg.CausalReads != CausalReadsNone) {
		return RoutingPlan{}, false
	}

	switch info.Hint.Kind {
	case HintRouteToMaster:
		return RoutingPlan{Target: TargetMaster, Backend: s.pickMaster()}, true
	case HintRouteToSlave:
		if b := s.pickSlave(); b != nil {
			return RoutingPlan{Target: TargetSlave, Backend: b}, true
		}
		return RoutingPlan{Target: TargetMaster, Backend: s.pickMaster()}, true
	case HintRouteToNamed:
		for _, b := range s.backends {
			if b.Name() == info.Hint.Target && (b.InUse() || b.CanConnect()) {
				return RoutingPlan{Target: TargetNamed, Backend: b}, true
			}
		}
		s.log.Warnf("Hinted server '%s' is not available", info.Hint.Target)
		return RoutingPlan{}, false
	case HintRouteToLastUsed:
		if s.lastUsed != nil && (s.lastUsed.InUse() || s.lastUsed.CanConnect()) {
			return RoutingPlan{Target: TargetLastUsed, Backend: s.lastUsed}, true
		}
		return RoutingPlan{}, false
	}
	return RoutingPlan{}, false
}

// isValidForMaster tells whether the candidate can act as the session's
// master target. Opening a first connection is always allowed; opening a
// replacement mid-session requires master_reconnection.
func (s *Session) isValidForMaster(b *Backend) bool {
	if b == nil {
		return false
	}
	if !b.InUse() {
		if !b.CanConnect() {
			return false
		}
		if b.everUsed && !s.cfg.MasterReconnection {
			return false
		}
	}
	return b.Server().IsMaster() ||
		(b.InUse() && b.Server().InMaintenance() && s.trxIsOpen())
}

// pickMaster returns the master target, preferring the one already in
// use.
func (s *Session) pickMaster() *Backend {
	if s.isValidForMaster(s.currentMaster) {
		return s.currentMaster
	}
	for _, b := range s.backends {
		if b != s.currentMaster && s.isValidForMaster(b) {
			return b
		}
	}
	return nil
}

// slaveIsEligible applies the replica filter: usable role, replication
// lag under the limit and not closed fatally.
func (s *Session) slaveIsEligible(b *Backend) bool {
	if !b.InUse() && !b.CanConnect() {
		return false
	}
	srv := b.Server()
	if !srv.IsSlave() || !srv.IsUsable() {
		return false
	}
	if s.cfg.MaxReplicationLag > 0 && srv.Lag() != cluster.LagUndefined && srv.Lag() > s.cfg.MaxReplicationLag {
		return false
	}
	return true
}

// pickSlave selects the replica for a read. Highest rank wins; among
// equals an already open connection, then the least loaded, then
// configuration order. The choice is
// deterministic for a given state.
func (s *Session) pickSlave() *Backend {
	var best *Backend
	for _, b := range s.backends {
		if !s.slaveIsEligible(b) {
			continue
		}
		if best == nil || slaveIsBetter(b, best) {
			best = b
		}
	}
	return best
}

func slaveIsBetter(a, b *Backend) bool {
	ra, rb := a.Server().Rank(), b.Server().Rank()
	if ra != rb {
		return ra > rb
	}
	// Prefer connections that are already open over opening new ones.
	if a.InUse() != b.InUse() {
		return a.InUse()
	}
	return a.Server().QueryCount() < b.Server().QueryCount()
}

// bestReplicaRank returns the rank replica connections should be held
// at: the highest rank among usable replicas.
func (s *Session) bestReplicaRank() (int64, bool) {
	var rank int64
	seen := false
	for _, b := range s.backends {
		if b.Server().IsSlave() && b.Server().IsUsable() {
			if !seen || b.Server().Rank() > rank {
				rank = b.Server().Rank()
				seen = true
			}
		}
	}
	return rank, seen
}
