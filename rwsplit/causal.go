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

	"github.com/endink/go-rwsplit/mysql"
)

// causalPhase is the state of the causal read coordinator. Only one
// causal read is in flight per session.
type causalPhase int

const (
	causalNone causalPhase = iota
	causalReadingGtid
	causalGtidReadDone
	causalRetryingOnMaster
)

// gtidProbeQuery asks the master for its current GTID position.
const gtidProbeQuery = "SELECT @@gtid_current_pos"

// needGtidProbe tells whether the statement needs a fresh GTID from the
// master before it can be routed to a replica.
func (s *Session) needGtidProbe(info RouteInfo, plan RoutingPlan) bool {
	if s.cfg.CausalReads != CausalReadsUniversal && s.cfg.CausalReads != CausalReadsFastUniversal {
		return false
	}
	return plan.Target == TargetSlave &&
		s.waitGtid == causalNone &&
		(info.Command == mysql.ComQuery || info.Command == mysql.ComStmtExecute) &&
		!info.TypeMask.HasAny(TypeCommit|TypeRollback)
}

// startGtidProbe issues the probe to the master and suspends the
// original read, which the caller has pushed back onto the queue.
func (s *Session) startGtidProbe() error {
	master := s.pickMaster()
	if master == nil {
		return errNoTarget
	}
	if err := s.prepareTarget(master); err != nil {
		return err
	}
	if err := master.write(mysql.MakeQueryPacket(gtidProbeQuery), responseGtidProbe); err != nil {
		return err
	}
	s.waitGtid = causalReadingGtid
	s.expectedResponses++
	s.log.Debugf("GTID probe started on '%s'", master.Name())
	return nil
}

// gtidWaitQuery builds the synchronisation statement injected before a
// causal read on a replica.
func (s *Session) gtidWaitQuery() string {
	timeout := s.cfg.CausalReadsTimeout.Seconds()
	if s.cfg.CausalReads == CausalReadsFastUniversal {
		// The fast variant never blocks; the replica either has caught
		// up or the read moves to the master.
		timeout = 0
	}
	return fmt.Sprintf("SELECT MASTER_GTID_WAIT('%s', %.3f)", s.gtid, timeout)
}

// routeCausalRead sends the gtid wait to the chosen replica and stashes
// the user statement until the wait concludes.
func (s *Session) routeCausalRead(stmt *statement, target *Backend) error {
	if err := target.write(mysql.MakeQueryPacket(s.gtidWaitQuery()), responseCausalWait); err != nil {
		return err
	}
	s.causalStash = stmt
	s.causalTarget = target
	s.expectedResponses++
	return nil
}

// handleGtidProbeReply consumes the probe response. On success the
// deferred read is routed from the queue.
func (s *Session) handleGtidProbeReply(b *Backend, reply *mysql.Reply) error {
	if !reply.IsComplete() {
		return nil
	}
	b.ackWrite()
	s.expectedResponses--

	if err := reply.Error(); err != nil {
		// The probe failed; run the read on the master instead of
		// probing again.
		s.log.Warnf("GTID probe failed on '%s': %s", b.Name(), err.Error())
		stmt := s.resetGtidProbe()
		if stmt == nil {
			return nil
		}
		master := s.pickMaster()
		if master == nil {
			return s.client.Reply(mysql.MakeErrPacketFromError(err))
		}
		s.waitGtid = causalRetryingOnMaster
		return s.sendStmt(stmt, RoutingPlan{Target: TargetMaster, Backend: master})
	}

	if len(reply.Row) > 0 {
		s.gtid = reply.Row[0]
	}
	s.waitGtid = causalGtidReadDone
	s.log.Debugf("GTID probe done: %s", s.gtid)
	return s.routeStoredQuery()
}

// handleCausalWaitReply consumes the gtid wait response. A wait that
// returns non zero or errors means the replica did not catch up in
// time.
func (s *Session) handleCausalWaitReply(b *Backend, reply *mysql.Reply) error {
	if !reply.IsComplete() {
		return nil
	}
	b.ackWrite()
	s.expectedResponses--

	failed := reply.Error() != nil
	if !failed && len(reply.Row) > 0 && reply.Row[0] != "0" {
		failed = true
	}

	stmt := s.causalStash
	s.causalStash = nil
	s.causalTarget = nil

	if stmt == nil {
		s.waitGtid = causalNone
		return nil
	}

	if !failed {
		// Synchronised; run the read on the same replica.
		s.waitGtid = causalNone
		return s.sendStmt(stmt, RoutingPlan{Target: TargetSlave, Backend: b})
	}

	if s.cfg.CausalReads == CausalReadsUniversal {
		s.waitGtid = causalNone
		s.log.Infof("Causal read timed out on '%s'", b.Name())
		return s.client.Reply(mysql.MakeErrPacketFromError(causalTimeoutError()))
	}

	// LOCAL and FAST_UNIVERSAL retry the read on the master.
	s.waitGtid = causalRetryingOnMaster
	master := s.pickMaster()
	if master == nil {
		s.waitGtid = causalNone
		return s.client.Reply(mysql.MakeErrPacketFromError(causalTimeoutError()))
	}
	s.log.Debugf("Causal read retrying on master '%s'", master.Name())
	return s.sendStmt(stmt, RoutingPlan{Target: TargetMaster, Backend: master})
}

// trackGtidFromReply records the GTID a write generated, used by the
// LOCAL causal mode to synchronise subsequent reads.
func (s *Session) trackGtidFromReply(reply *mysql.Reply) {
	if s.cfg.CausalReads == CausalReadsNone {
		return
	}
	if gtid := reply.Variable("last_gtid"); gtid != "" {
		s.gtid = gtid
	}
}
