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
	"time"

	"github.com/endink/go-rwsplit/mysql"
)

// isIgnorableError recognises errors that can be treated as if the
// connection to the server was broken, letting replay or retry recover.
func (s *Session) isIgnorableError(b *Backend, err *mysql.SQLError) bool {
	if err == nil {
		return false
	}

	if s.cfg.TrxRetryOnDeadlock && err.IsRollback() {
		s.log.Infof("Session %s: got transaction rollback error: [%s] %d %s",
			s.id, err.State, err.Num, err.Message)
		return true
	}

	if err.IsWsrepNotReady() {
		// The node is in the process of starting up. Transient.
		s.log.Infof("Session %s: got WSREP error: [%s] %d %s",
			s.id, err.State, err.Num, err.Message)
		return true
	}

	if err.Num == mysql.EROptionPreventsStatement &&
		b == s.currentMaster &&
		s.trxIsOpen() && !s.trxIsReadOnly() &&
		s.cfg.TransactionReplay &&
		s.state != StateTrxReplay {
		// Most likely a switchover set the master to read-only while a
		// transaction was open. Recover gracefully through replay.
		s.log.Infof("Session %s: got read-only error: [%s] %d %s",
			s.id, err.State, err.Num, err.Message)
		return true
	}

	return false
}

// handleIgnorableError turns an ignorable error into a replay or retry.
// Returns true when the error was consumed and the connection treated as
// broken.
func (s *Session) handleIgnorableError(b *Backend, err *mysql.SQLError) (bool, error) {
	if b.ShouldIgnoreResponse() {
		// Never bypass errors for session commands.
		return false, nil
	}

	// Determine whether a recovery path exists before touching any
	// state.
	var viaReplay, viaMaster, viaRead bool
	switch {
	case s.trxIsOpen():
		viaReplay = s.cfg.TransactionReplay && s.canStartTrxReplay()
	case s.expectedResponses > 1:
		s.log.Infof("Session %s: cannot retry the query as multiple queries were in progress", s.id)
	case s.currentQuery == nil:
		s.log.Infof("Session %s: cannot retry, reply has been partially delivered to the client", s.id)
	case b == s.currentMaster:
		viaMaster = s.canRetryQuery() && s.canRecoverMaster()
	default:
		viaRead = s.cfg.RetryFailedReads
	}
	if !viaReplay && !viaMaster && !viaRead {
		return false, nil
	}

	// Treat the error as if the connection to the server was broken.
	b.ackWrite()
	s.expectedResponses--
	s.waitGtid = causalNone
	b.Close(CloseNormal)
	b.SetCloseReason("ignorable error: " + err.Message)

	ok := false
	switch {
	case viaReplay:
		ok = s.startTrxReplay()
	case viaMaster:
		ok = s.retryMasterQuery(b)
	case viaRead:
		ok = true
		stmt := s.currentQuery
		s.currentQuery = nil
		s.retryQuery(stmt, 0)
	}
	if !ok {
		s.client.Kill(replayBudgetError("could not recover from error: " + err.Message))
		s.Close()
	}
	return true, nil
}

// HandleError is the entry point for connection level failures reported
// by the protocol layer. permanent marks errors that forbid reopening
// the connection. The return value tells whether the session survives.
func (s *Session) HandleError(b *Backend, permanent bool, errMsg *mysql.SQLError, reply *mysql.Reply) bool {
	if s.closed {
		return false
	}
	if errMsg == nil {
		errMsg = mysql.NewSQLError(mysql.CRServerLost, mysql.SSNetError, "connection lost")
	}

	info := s.tracker.routeInfo()
	if (reply != nil && reply.HasStarted() && !s.canReplayInterrupted(b)) || info.LargePacket {
		what := "resultset"
		if info.LargePacket {
			what = "large multi-packet query"
		}
		s.log.Errorf("Session %s: server '%s' was lost in the middle of a %s, "+
			"cannot continue the session: %s", s.id, b.Name(), what, errMsg.Message)
		s.client.Kill(nil)
		s.Close()
		return false
	}

	failureType := CloseNormal
	if permanent {
		failureType = CloseFatal
	}

	if s.currentMaster != nil && s.currentMaster.InUse() && s.currentMaster == b {
		return s.handleMasterFailure(b, errMsg, reply, failureType)
	}
	return s.handleSlaveFailure(b, errMsg, reply, failureType)
}

// canReplayInterrupted tells whether a partially delivered resultset can
// still be recovered: only via transaction replay of the interrupted
// statement.
func (s *Session) canReplayInterrupted(b *Backend) bool {
	return s.cfg.TransactionReplay && s.canReplayTrx && s.trxIsOpen() &&
		s.currentQuery != nil &&
		(s.trx.Target() == nil || s.trx.Target() == b)
}

func (s *Session) handleMasterFailure(b *Backend, errMsg *mysql.SQLError, reply *mysql.Reply, failureType CloseType) bool {
	s.log.Infof("Session %s: master '%s' failed: %s", s.id, b.Name(), errMsg.Message)

	oldWaitGtid := s.waitGtid
	expectedResponse := b.IsWaitingResult()
	canContinue := false
	reason := ""

	// Close the connection up front so any retry started below cannot
	// pick the failed server as its target.
	b.Close(failureType)
	b.SetCloseReason("Master connection failed: " + errMsg.Message)

	if !expectedResponse {
		// The master connection was idle. Its loss is not critical
		// unless configured to be: reads keep working and writes will
		// reconnect or fail later.
		reason = "Lost connection to master server while connection was idle."
		if s.cfg.MasterFailureMode != FailInstantly {
			canContinue = true
		}
	} else {
		reason = "Lost connection to master server while waiting for a result."

		if s.expectedResponses > 1 {
			reason += " Cannot retry query as multiple queries were in progress."
		} else if oldWaitGtid == causalReadingGtid {
			// The probe was lost; recover the read it was guarding.
			stmt := s.resetGtidProbe()
			if stmt != nil && !s.trxIsOpen() && s.canRecoverMaster() {
				s.retryQuery(stmt, 0)
				canContinue = true
			}
		} else if s.cfg.RetryFailedReads && s.prevPlan.Target != TargetMaster &&
			!s.trxIsOpen() && s.canRecoverMaster() {
			// A read that happened to land on the master; safe to retry
			// outside transactions.
			canContinue = s.retryMasterQuery(b)
		} else if s.cfg.MasterFailureMode == ErrorOnWrite {
			// The session continues; the client learns the query failed
			// through a read-only error.
			canContinue = true
			s.sendReadOnlyError()
		}
	}

	if s.trxIsOpen() && !s.inOptimisticTrx() &&
		(s.trx.Target() == nil || s.trx.Target() == b || oldWaitGtid == causalReadingGtid) {
		canContinue = s.startTrxReplay()
		if !canContinue {
			reason += " A transaction is active and cannot be replayed."
		}
	}

	if !canContinue {
		idle := time.Duration(0)
		if !b.LastWrite().IsZero() {
			idle = time.Since(b.LastWrite())
		}
		s.log.Errorf("Session %s: lost connection to the master server, closing session. %s "+
			"Connection has been idle for %.1f seconds. Error caused by: %s. Last close reason: %s.",
			s.id, reason, idle.Seconds(), errMsg.Message, defaultString(b.CloseReason(), "<none>"))
		s.log.Infof("Session %s: connection status: %s", s.id, s.verboseStatus())
	}

	// Decrement the expected response count only if the session
	// continues; keeps the accounting sound if another query is routed
	// before the session closes.
	if canContinue && expectedResponse {
		s.expectedResponses--
	}

	if !canContinue {
		s.client.Kill(nil)
		s.Close()
	}
	return canContinue
}

func (s *Session) handleSlaveFailure(b *Backend, errMsg *mysql.SQLError, reply *mysql.Reply, failureType CloseType) bool {
	s.log.Infof("Session %s: slave '%s' failed: %s", s.id, b.Name(), errMsg.Message)

	if s.causalTarget == b && s.causalStash != nil {
		// The gtid wait was lost with the connection; recover the read
		// it was guarding through the normal retry path.
		s.currentQuery = s.causalStash
		s.causalStash = nil
		s.causalTarget = nil
	}

	if b.IsWaitingResult() {
		s.expectedResponses--
		b.ackWrite()
		// Reset causal read state so that the next read starts from a
		// clean slate.
		if s.waitGtid != causalReadingGtid {
			s.waitGtid = causalNone
		}
	}

	canContinue := false

	switch {
	case s.trxIsReadOnly() && s.trx.Target() == b && s.waitGtid != causalReadingGtid:
		// Replay the read-only transaction on another node. Close first
		// so the replay cannot land on the failed server.
		b.Close(failureType)
		b.SetCloseReason("Read-only trx failed: " + errMsg.Message)
		canContinue = s.startTrxReplay()
		if !canContinue {
			s.log.Errorf("Session %s: connection to '%s' failed while executing a read-only transaction",
				s.id, b.Name())
		}

	case s.inOptimisticTrx():
		// The connection died mid optimistic execution or during the
		// rollback; in both cases the transaction moves to the master.
		b.Close(failureType)
		b.SetCloseReason("Optimistic trx failed: " + errMsg.Message)
		s.state = StateRouting
		s.optimistic = false
		canContinue = s.startTrxReplay()

	default:
		canContinue = s.handleSlaveNewConnection(b, errMsg, failureType)
	}

	if !canContinue {
		s.client.Kill(nil)
		s.Close()
	}
	return canContinue
}

// handleSlaveNewConnection replaces a failed replica read with another
// server, falling back to the master per policy.
func (s *Session) handleSlaveNewConnection(b *Backend, errMsg *mysql.SQLError, failureType CloseType) bool {
	canRetry := s.currentQuery != nil && s.cfg.RetryFailedReads
	if canRetry && !s.cfg.DelayedRetry && s.isLastCandidate(b) {
		s.log.Infof("Session %s: cannot retry failed read as there are no candidates to "+
			"try it on and delayed_retry is not enabled", s.id)
		return false
	}

	// Close before routing anything so the failed server cannot be
	// picked as a target again.
	b.Close(failureType)
	b.SetCloseReason("Slave connection failed: " + errMsg.Message)

	if canRetry {
		s.log.Infof("Session %s: re-routing failed read after server '%s' failed", s.id, b.Name())
		stmt := s.currentQuery
		s.currentQuery = nil
		s.retryQuery(stmt, 0)
	} else if s.currentQuery != nil {
		// Let the client know the query failed.
		_ = s.client.Reply(mysql.MakeErrPacketFromError(errMsg))
		s.currentQuery = nil
		_ = s.routeStoredQuery()
	}

	ok := s.canRecoverServers() || s.haveOpenConnections()
	if !ok {
		s.log.Errorf("Session %s: unable to continue session as all connections have failed and "+
			"new connections cannot be created. Last server to fail was '%s'.", s.id, b.Name())
		s.log.Infof("Session %s: connection status: %s", s.id, s.verboseStatus())
	}
	return ok
}

// isLastCandidate tells whether no other server could serve the retried
// statement.
func (s *Session) isLastCandidate(failed *Backend) bool {
	for _, b := range s.backends {
		if b != failed && (b.InUse() || b.CanConnect()) {
			return false
		}
	}
	return true
}

func (s *Session) canRetryQuery() bool {
	// Individual queries inside transactions are never retried on their
	// own; the transaction replays as a whole.
	return s.currentQuery != nil && !s.trxIsOpen()
}

// canRecoverMaster tells whether a master connection is available or
// could be opened. Reopening a previously used connection requires
// master_reconnection.
func (s *Session) canRecoverMaster() bool {
	for _, b := range s.backends {
		if !b.Server().IsMaster() {
			continue
		}
		if b.InUse() {
			return true
		}
		if b.CanConnect() && (!b.everUsed || s.cfg.MasterReconnection) {
			return true
		}
	}
	return false
}

func (s *Session) canRecoverServers() bool {
	for _, b := range s.backends {
		if b.CanConnect() {
			return true
		}
	}
	return false
}

func (s *Session) haveOpenConnections() bool {
	for _, b := range s.backends {
		if b.InUse() {
			return true
		}
	}
	return false
}

// retryMasterQuery reroutes the query that was in progress on a failed
// master.
func (s *Session) retryMasterQuery(b *Backend) bool {
	if s.currentQuery == nil {
		s.log.Errorf("Session %s: current query unexpectedly empty when trying to retry query on master", s.id)
		return false
	}
	stmt := s.currentQuery
	s.currentQuery = nil
	s.retryQuery(stmt, 0)
	return true
}

// resetGtidProbe abandons an in flight probe and returns the read it was
// guarding, removed from the queue front.
func (s *Session) resetGtidProbe() *statement {
	s.waitGtid = causalNone
	s.gtid = ""
	if s.queryQueue.Size() == 0 {
		return nil
	}
	v, _ := s.queryQueue.Get(0)
	s.queryQueue.Remove(0)
	return v.(*statement)
}

// sendReadOnlyError answers a write with the synthesised read-only error
// when the master is gone and error_on_write is configured.
func (s *Session) sendReadOnlyError() {
	s.currentQuery = nil
	_ = s.client.Reply(mysql.MakeErrPacketFromError(readOnlyError()))
}

// handleRoutingFailure is invoked when no target could be resolved or
// opened for a statement.
func (s *Session) handleRoutingFailure(stmt *statement, plan RoutingPlan) error {
	if plan.Target == TargetMaster || plan.Target == TargetAll {
		switch s.cfg.MasterFailureMode {
		case ErrorOnWrite:
			s.sendReadOnlyError()
			return nil
		}
	}
	s.log.Errorf("Session %s: could not route statement (cmd 0x%02x) to %s: no valid target. Status: %s",
		s.id, mysql.Command(stmt.data), plan.Target, s.verboseStatus())
	s.client.Kill(mysql.NewSQLError(mysql.CRServerLost, mysql.SSNetError,
		"Could not route query to a %s server", plan.Target))
	s.Close()
	return errNoTarget
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
