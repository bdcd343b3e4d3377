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
	"bytes"
	"crypto/sha1"
	"time"

	"github.com/endink/go-rwsplit/mysql"
)

// canStartTrxReplay applies the replay budget: either the attempt cap or,
// when trx_timeout is set, the wall clock limit.
func (s *Session) canStartTrxReplay() bool {
	if !s.canReplayTrx {
		return false
	}
	if s.cfg.TrxTimeout > 0 {
		// The timer only starts with the first replay, hence the
		// attempt check.
		if s.numTrxReplays == 0 || time.Since(s.trxReplayStart) < s.cfg.TrxTimeout {
			return true
		}
		s.log.Infof("Session %s: transaction replay time limit of %s exceeded, not attempting replay",
			s.id, s.cfg.TrxTimeout)
		return false
	}
	if s.numTrxReplays < s.cfg.TrxMaxAttempts {
		return true
	}
	s.log.Infof("Session %s: transaction replay attempt cap of %d exceeded, not attempting replay",
		s.id, s.cfg.TrxMaxAttempts)
	return false
}

// startTrxReplay snapshots the interrupted transaction and begins
// resending it. Returns false when replay is disabled or the budget is
// spent.
func (s *Session) startTrxReplay() bool {
	if !s.cfg.TransactionReplay || !s.canStartTrxReplay() {
		return false
	}
	s.numTrxReplays++

	if s.state != StateTrxReplay && s.state != StateTrxReplayInterrupted {
		// First attempt: snapshot the transaction and the in flight
		// query so a restart can recover them.
		s.origTrx = s.trx.Clone()
		if s.currentQuery != nil {
			s.origInterrupted = &interruptedQuery{
				stmt:     s.currentQuery,
				bytes:    s.resultBytes,
				checksum: s.resultHash.Sum(nil),
			}
		} else {
			s.origInterrupted = nil
		}
		s.trxReplayStart = time.Now()
	} else {
		// A replay was already running; restore the snapshot and cancel
		// any retries queued by the failed attempt.
		s.canceledRetries = s.pendingRetries
		s.trx.Close()
		s.trx = *s.origTrx.Clone()
		s.removeReplayedFromQueue()
	}

	if s.origInterrupted != nil {
		s.interrupted = &interruptedQuery{
			stmt:     s.origInterrupted.stmt,
			bytes:    s.origInterrupted.bytes,
			checksum: s.origInterrupted.checksum,
		}
	} else {
		s.interrupted = nil
	}

	if !s.trx.HaveStmts() && s.interrupted == nil {
		// The transaction had recorded nothing and no query was in
		// flight; there is nothing to resend.
		return true
	}

	s.log.Infof("Session %s: starting transaction replay %d, replay has been ongoing for %.1f seconds",
		s.id, s.numTrxReplays, time.Since(s.trxReplayStart).Seconds())

	s.currentQuery = nil
	s.resultBytes = 0
	s.waitGtid = causalNone

	s.replayedTrx = s.trx.Clone()
	s.replayWasNonEmpty = s.replayedTrx.HaveStmts()
	s.trx.Close()

	if s.replayedTrx.HaveStmts() {
		s.state = StateTrxReplay
		ts := s.replayedTrx.PopStmt()
		s.log.Infof("Session %s: replaying statement (cmd 0x%02x)", s.id, mysql.Command(ts.Packet))
		s.retryQuery(&statement{data: ts.Packet, replayed: true}, 1)
	} else {
		// Only the opening statement was interrupted; resume it
		// directly, splitting off whatever the client already received.
		s.enterInterruptedPhase()
	}
	return true
}

// enterInterruptedPhase resends the interrupted query and arms the byte
// prefix matcher.
func (s *Session) enterInterruptedPhase() {
	iq := s.interrupted
	s.state = StateTrxReplayInterrupted
	s.replayedTrx = nil
	s.prefixHash = sha1.New()
	s.prefixBytes = 0
	s.prefixOK = iq.bytes == 0
	iq.stmt.replayed = true
	s.log.Infof("Session %s: resuming execution of interrupted query (cmd 0x%02x, %d bytes already delivered)",
		s.id, mysql.Command(iq.stmt.data), iq.bytes)
	s.retryQuery(iq.stmt, 1)
}

// removeReplayedFromQueue erases replayed statements from the query
// queue so a restarted replay does not duplicate them.
func (s *Session) removeReplayedFromQueue() {
	for i := 0; i < s.queryQueue.Size(); {
		v, _ := s.queryQueue.Get(i)
		if v.(*statement).replayed {
			s.queryQueue.Remove(i)
		} else {
			i++
		}
	}
}

// clientReplyTrxReplay consumes responses while the transaction is being
// resent. Responses the client has already seen are discarded.
func (s *Session) clientReplyTrxReplay(b *Backend, data []byte, reply *mysql.Reply) error {
	if s.resultHash != nil {
		s.resultHash.Write(data)
	}
	s.manageTransactions(b, data, reply)

	if !s.replayWasNonEmpty {
		// The transaction was empty when it was interrupted; the client
		// has not seen this response yet.
		s.resultBytes += int64(len(data))
		if err := s.client.Reply(data); err != nil {
			return err
		}
	}

	if !reply.IsComplete() {
		return nil
	}

	b.ackWrite()
	s.expectedResponses--
	b.selectFinished()

	wasEnding := s.trxIsEnding()
	idx := s.trx.ChecksumCount()
	s.recordTrxStmt(b, reply)
	s.tracker.UpdateFromReply(reply)
	s.currentQuery = nil

	if s.replayWasNonEmpty {
		expected := s.replayedTrx.ChecksumAt(idx)
		got := s.trx.ChecksumAt(idx)
		if expected != nil && got != nil &&
			!bytes.Equal(expected, zeroChecksum) && !bytes.Equal(expected, got) {
			return s.replayMismatch(b, "result checksum mismatch at statement %d", idx+1)
		}
	}

	if wasEnding && s.expectedResponses == 0 && reply.Error() == nil {
		s.finishTransaction()
	}

	if s.expectedResponses == 0 {
		return s.trxReplayNextStmt()
	}
	return nil
}

// trxReplayNextStmt continues the replay with the next recorded
// statement, moves on to the interrupted query, or completes.
func (s *Session) trxReplayNextStmt() error {
	if s.replayedTrx != nil && s.replayedTrx.HaveStmts() {
		ts := s.replayedTrx.PopStmt()
		s.log.Infof("Session %s: replaying statement (cmd 0x%02x)", s.id, mysql.Command(ts.Packet))
		s.retryQuery(&statement{data: ts.Packet, replayed: true}, 0)
		return nil
	}
	if s.interrupted != nil {
		s.enterInterruptedPhase()
		return nil
	}
	return s.completeTrxReplay()
}

// completeTrxReplay returns the session to normal routing after a
// successful replay.
func (s *Session) completeTrxReplay() error {
	s.log.Infof("Session %s: checksums match, replay successful. Replay took %.1f seconds.",
		s.id, time.Since(s.trxReplayStart).Seconds())
	s.state = StateRouting
	s.replayedTrx = nil
	s.replayWasNonEmpty = false
	s.numTrxReplays = 0
	s.origTrx = nil
	s.origInterrupted = nil
	if s.stats != nil {
		s.stats.AddTrxReplay()
	}
	return s.routeStoredQuery()
}

// clientReplyInterrupted handles the resent interrupted query: bytes the
// client already received are consumed and verified, the rest is
// forwarded.
func (s *Session) clientReplyInterrupted(b *Backend, data []byte, reply *mysql.Reply) error {
	iq := s.interrupted
	if s.resultHash != nil {
		s.resultHash.Write(data)
	}
	s.manageTransactions(b, data, reply)

	var forward []byte
	if s.prefixOK {
		forward = data
	} else if s.prefixBytes+int64(len(data)) <= iq.bytes {
		// Still below the high-water mark, consume silently.
		s.prefixHash.Write(data)
		s.prefixBytes += int64(len(data))
	} else {
		head := iq.bytes - s.prefixBytes
		s.prefixHash.Write(data[:head])
		s.prefixBytes = iq.bytes
		if !bytes.Equal(s.prefixHash.Sum(nil), iq.checksum) {
			return s.replayMismatch(b, "interrupted query prefix does not match the delivered result")
		}
		s.prefixOK = true
		forward = data[head:]
	}

	if len(forward) > 0 {
		s.resultBytes += int64(len(forward))
		if err := s.client.Reply(forward); err != nil {
			return err
		}
	}

	if !reply.IsComplete() {
		return nil
	}

	b.ackWrite()
	s.expectedResponses--
	b.selectFinished()

	if !s.prefixOK {
		// The server returned fewer bytes than the original run; the
		// results cannot be reconciled.
		return s.replayMismatch(b, "re-executed reply is shorter than the delivered result")
	}

	wasEnding := s.trxIsEnding()
	s.recordTrxStmt(b, reply)
	s.tracker.UpdateFromReply(reply)
	s.currentQuery = nil
	s.interrupted = nil

	if wasEnding && s.expectedResponses == 0 && reply.Error() == nil {
		s.finishTransaction()
	}

	return s.completeTrxReplay()
}

// replayMismatch reacts to a divergent replay: restart it when
// configured and the budget allows, terminate the session otherwise.
func (s *Session) replayMismatch(b *Backend, format string, args ...interface{}) error {
	s.log.Warnf("Session %s: "+format, append([]interface{}{s.id}, args...)...)

	if b != nil && b.IsWaitingResult() {
		// Stop consuming the rest of the divergent response.
		b.ackWrite()
		s.expectedResponses--
		b.Close(CloseNormal)
		b.SetCloseReason("replay checksum mismatch")
	}

	// Keep the replay state on so no queued query is routed before the
	// decision below takes effect.
	s.state = StateTrxReplay

	if s.cfg.TrxRetryOnMismatch && s.startTrxReplay() {
		s.log.Infof("Session %s: checksum mismatch, starting transaction replay again", s.id)
		return nil
	}

	s.log.Infof("Session %s: checksum mismatch, transaction replay failed. Closing connection.", s.id)
	s.client.Kill(checksumMismatchError())
	s.Close()
	return nil
}

// retryQuery reroutes a statement, through the delayed retry machinery
// when it is enabled and a delay was requested.
func (s *Session) retryQuery(stmt *statement, delaySeconds int) {
	stmt.replayed = true
	delay := time.Duration(delaySeconds) * time.Second
	if s.cfg.DelayedRetry && delay > 0 && s.scheduler != nil {
		if s.pendingRetries == 0 {
			s.retryStart = time.Now()
		}
		s.pendingRetries++
		s.scheduler.Delay(delay, func() {
			s.delayedRetryFire(stmt)
		})
		return
	}
	if err := s.routeQuery(stmt); err != nil {
		s.log.Warnf("Session %s: failed to route retried query: %v", s.id, err)
	}
}

// delayedRetryFire runs a scheduled retry unless it was cancelled by a
// replay restart.
func (s *Session) delayedRetryFire(stmt *statement) {
	s.pendingRetries--
	if s.canceledRetries > 0 {
		s.canceledRetries--
		return
	}
	if s.closed {
		return
	}
	if time.Since(s.retryStart) > s.cfg.DelayedRetryTimeout {
		s.log.Errorf("Session %s: %s", s.id, s.delayedRetryFailureReason())
		s.client.Kill(replayBudgetError("'delayed_retry_timeout' exceeded"))
		s.Close()
		return
	}
	if err := s.routeQuery(stmt); err != nil {
		s.log.Warnf("Session %s: failed to route delayed query: %v", s.id, err)
	}
}

func (s *Session) delayedRetryFailureReason() string {
	onlyFailedMasters := false
	for _, b := range s.backends {
		if b.Server().IsMaster() {
			if b.HasFailed() {
				onlyFailedMasters = true
			} else {
				onlyFailedMasters = false
				break
			}
		}
	}
	extra := ""
	if onlyFailedMasters {
		extra = ". Found servers with the 'Master' status but the connections " +
			"have been marked as broken due to fatal errors."
	}
	return "'delayed_retry_timeout' exceeded before a server with the 'Master' status could be found" + extra
}
