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
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/endink/go-rwsplit/cluster"
	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var log = logging.GetLogger("rwsplit")

// SessionState is the top level state of the session machine.
type SessionState int

const (
	StateRouting SessionState = iota
	StateTrxReplay
	StateTrxReplayInterrupted
	StateOtrxRollback
)

func (s SessionState) String() string {
	switch s {
	case StateTrxReplay:
		return "TRX_REPLAY"
	case StateTrxReplayInterrupted:
		return "TRX_REPLAY_INTERRUPTED"
	case StateOtrxRollback:
		return "OTRX_ROLLBACK"
	default:
		return "ROUTING"
	}
}

// statement is one client packet moving through the router. The replayed
// flag marks retried or replayed statements, which bypass the query
// queue.
type statement struct {
	data     []byte
	replayed bool
}

// interruptedQuery records the statement whose partially forwarded
// result a replay must reproduce.
type interruptedQuery struct {
	stmt     *statement
	bytes    int64
	checksum []byte
}

// Session is the per client routing engine. All methods must be called
// from the session's event context; the surrounding runtime never
// delivers two events of the same session concurrently.
type Session struct {
	id        string
	cfg       *Config
	log       *zap.SugaredLogger
	client    ClientIo
	connector Connector
	scheduler Scheduler
	stats     *Stats

	tracker       routeTracker
	backends      []*Backend
	currentMaster *Backend
	lastUsed      *Backend

	history History
	ps      *psTracker

	queryQueue *doublylinkedlist.List

	state             SessionState
	expectedResponses int

	currentQuery  *statement
	resultHash    hash.Hash
	resultBytes   int64
	curIncluded   bool
	histRecording int

	trx               Trx
	origTrx           *Trx
	origInterrupted   *interruptedQuery
	replayedTrx       *Trx
	replayWasNonEmpty bool
	interrupted       *interruptedQuery
	prefixHash        hash.Hash
	prefixBytes       int64
	prefixOK          bool

	numTrxReplays  int64
	trxReplayStart time.Time

	pendingRetries  int
	canceledRetries int
	retryStart      time.Time

	lockedToMaster   bool
	serializableLock bool
	canReplayTrx     bool

	waitGtid     causalPhase
	gtid         string
	causalStash  *statement
	causalTarget *Backend

	optimistic bool
	tmpTables  int

	prevPlan RoutingPlan
	closed   bool

	lastPrepareSQL string
	psResponseBuf  []byte
}

// NewSession creates the routing engine for one client connection. One
// backend handle is created per server known at session start.
func NewSession(cfg *Config, servers []*cluster.Server, parser Parser,
	client ClientIo, connector Connector, scheduler Scheduler, stats *Stats) (*Session, error) {
	if len(servers) == 0 {
		return nil, util.Wrap(errNoTarget, "service has no servers")
	}
	s := &Session{
		id:            uuid.New().String(),
		cfg:           cfg,
		log:           log,
		client:        client,
		connector:     connector,
		scheduler:     scheduler,
		stats:         stats,
		tracker:       newRouteTracker(parser),
		ps:            newPsTracker(),
		queryQueue:    doublylinkedlist.New(),
		histRecording: -1,
		canReplayTrx:  true,
	}
	for _, srv := range servers {
		s.backends = append(s.backends, newBackend(srv, s))
	}
	if stats != nil {
		stats.AddSession()
	}
	return s, nil
}

// ID returns the session UUID.
func (s *Session) ID() string {
	return s.id
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return s.state
}

// ExpectedResponses returns the number of outstanding client visible
// responses.
func (s *Session) ExpectedResponses() int {
	return s.expectedResponses
}

// Backends returns the session's backend handles.
func (s *Session) Backends() []*Backend {
	return s.backends
}

func (s *Session) trxIsOpen() bool {
	return s.tracker.trxIsOpen()
}

func (s *Session) trxIsReadOnly() bool {
	return s.tracker.trxIsReadOnly()
}

func (s *Session) trxIsEnding() bool {
	return s.tracker.trxIsEnding()
}

func (s *Session) isLockedToMaster() bool {
	return s.lockedToMaster || s.serializableLock
}

func (s *Session) inOptimisticTrx() bool {
	return s.optimistic && s.trxIsOpen()
}

// RouteQuery is the entry point for client packets. Packets that cannot
// be routed yet are queued in arrival order.
func (s *Session) RouteQuery(packet []byte) error {
	if s.closed {
		return errSessionClosed
	}
	stmt := &statement{data: packet}
	if s.state != StateRouting || s.pendingRetries > 0 || s.queryQueue.Size() > 0 {
		s.log.Debugf("Session %s: queueing packet (cmd 0x%02x) while %s is active",
			s.id, mysql.Command(packet), s.state)
		s.queryQueue.Add(stmt)
		return nil
	}
	return s.routeQuery(stmt)
}

func (s *Session) routeQuery(stmt *statement) error {
	info, err := s.tracker.Update(stmt.data)
	if err != nil {
		// The classifier rejected the packet, surface it directly.
		s.log.Warnf("Session %s: malformed packet: %v", s.id, err)
		return s.client.Reply(mysql.MakeErrPacket(mysql.ERParseError, mysql.SSSyntaxError, err.Error()))
	}

	plan := s.resolveRoute(info)

	if !s.canRouteQuery(stmt) {
		// Already busy executing a query; keep the classifier
		// consistent and route it once the responses drain.
		s.tracker.Revert()
		s.log.Debugf("Session %s: storing query (cmd 0x%02x), expecting %d replies; would route %s to '%s'",
			s.id, mysql.Command(stmt.data), s.expectedResponses,
			plan.Target, backendName(plan.Backend))
		s.queryQueue.Add(stmt)
		return nil
	}

	if s.needGtidProbe(info, plan) {
		// The read must wait for a fresh master GTID. Park it at the
		// front of the queue and run the probe first.
		s.queryQueue.Prepend(stmt)
		s.tracker.Revert()
		return s.startGtidProbe()
	}

	return s.routeStmt(stmt, plan)
}

func (s *Session) canRouteQuery(stmt *statement) bool {
	return s.expectedResponses == 0 || stmt.replayed
}

// routeStmt emits the statement to the planned target.
func (s *Session) routeStmt(stmt *statement, plan RoutingPlan) error {
	info := s.tracker.routeInfo()

	if (info.MultiStatement && s.cfg.StrictMultiStmt) ||
		(info.TypeMask.Has(TypeCall) && s.cfg.StrictSpCalls) {
		if !s.lockedToMaster {
			s.log.Infof("Session %s: multi-statement query or stored procedure call, "+
				"routing all future queries to master", s.id)
			s.lockedToMaster = true
		}
		plan = RoutingPlan{Target: TargetMaster, Backend: s.pickMaster()}
	}

	if info.TypeMask.Has(TypeCreateTmpTable) {
		s.tmpTables++
	}

	// A write inside an optimistic transaction rolls the slave side
	// back and replays the transaction on the master.
	if s.inOptimisticTrx() && info.TypeMask.IsWrite() && !stmt.replayed {
		return s.startOtrxRollback(stmt)
	}

	if mysql.Command(stmt.data) == mysql.ComStmtPrepare && s.cfg.ReusePs && !stmt.replayed {
		if resp := s.ps.cachedResponse(string(stmt.data[1:])); resp != nil {
			s.log.Debugf("Session %s: serving PREPARE from cache", s.id)
			return s.client.Reply(resp)
		}
	}

	if plan.Target == TargetAll {
		return s.routeSessionCommand(stmt, plan)
	}

	target := plan.Backend
	if target == nil {
		return s.handleRoutingFailure(stmt, plan)
	}
	if err := s.prepareTarget(target); err != nil {
		s.log.Warnf("Session %s: could not open connection to '%s': %v", s.id, target.Name(), err)
		return s.handleRoutingFailure(stmt, plan)
	}

	if plan.Target == TargetSlave && s.shouldCausalWait() {
		return s.routeCausalRead(stmt, target)
	}

	return s.sendStmt(stmt, RoutingPlan{Target: plan.Target, Backend: target})
}

func (s *Session) shouldCausalWait() bool {
	if s.gtid == "" {
		return false
	}
	switch s.cfg.CausalReads {
	case CausalReadsLocal:
		return s.waitGtid == causalNone
	case CausalReadsUniversal, CausalReadsFastUniversal:
		return s.waitGtid == causalGtidReadDone
	}
	return false
}

// sendStmt writes the statement to the target backend and registers the
// expected response.
func (s *Session) sendStmt(stmt *statement, plan RoutingPlan) error {
	target := plan.Backend
	if err := s.prepareTarget(target); err != nil {
		return s.handleRoutingFailure(stmt, plan)
	}
	info := s.tracker.routeInfo()

	packet := stmt.data
	cmd := mysql.Command(packet)
	if cmd == mysql.ComStmtPrepare {
		s.lastPrepareSQL = string(packet[1:])
		s.psResponseBuf = nil
	}
	packet = target.remapPsID(packet)

	if err := target.write(packet, responseForward); err != nil {
		s.log.Warnf("Session %s: write to '%s' failed: %v", s.id, target.Name(), err)
		return s.handleRoutingFailure(stmt, plan)
	}

	if !mysql.CommandExpectsResponse(cmd) {
		if cmd == mysql.ComStmtClose {
			s.ps.erase(stmtID(stmt.data))
		}
		return nil
	}

	s.currentQuery = stmt
	s.resultHash = sha1.New()
	s.resultBytes = 0
	s.curIncluded = s.includeInChecksum(info)
	s.expectedResponses++
	s.lastUsed = target
	s.prevPlan = RoutingPlan{Target: plan.Target, Backend: target}

	if target.Server().IsMaster() {
		s.currentMaster = target
	}
	if info.TypeMask.IsRead() {
		target.selectStartedNow()
	}
	if s.trxIsOpen() && s.trx.Target() == nil {
		s.trx.SetTarget(target)
		s.optimistic = s.optimistic || (s.cfg.OptimisticTrx && !target.Server().IsMaster())
	}
	return nil
}

// routeSessionCommand routes a session command to every open backend.
// Only one response is forwarded to the client; the rest are consumed.
func (s *Session) routeSessionCommand(stmt *statement, plan RoutingPlan) error {
	// Choose and open the backend whose response the client sees before
	// the entry is recorded, so catch-up on open never duplicates it.
	main := plan.Backend
	if main != nil && !main.InUse() {
		if err := s.prepareTarget(main); err != nil {
			s.log.Warnf("Session %s: master unavailable for session command: %v", s.id, err)
			main = nil
		}
	}
	if main == nil {
		for _, b := range s.backends {
			if b.InUse() {
				main = b
				break
			}
		}
	}
	if main == nil {
		if m := s.pickMaster(); m != nil && s.prepareTarget(m) == nil {
			main = m
		} else if sl := s.pickSlave(); sl != nil && s.prepareTarget(sl) == nil {
			main = sl
		}
	}
	if main == nil {
		return s.handleRoutingFailure(stmt, plan)
	}

	seq := s.history.Append(stmt.data)
	cmd := mysql.Command(stmt.data)
	if cmd == mysql.ComStmtPrepare {
		s.lastPrepareSQL = string(stmt.data[1:])
		s.psResponseBuf = nil
	}

	for _, b := range s.backends {
		if !b.InUse() || b.historyCursor > seq {
			continue
		}
		var err error
		packet := b.remapPsID(stmt.data)
		if b == main {
			err = b.write(packet, responseForward)
		} else {
			err = b.write(packet, responseIgnore)
			if err == nil && mysql.CommandExpectsResponse(cmd) {
				b.pending[len(b.pending)-1].histSeq = seq
			}
		}
		if err != nil {
			s.log.Warnf("Session %s: session command write to '%s' failed: %v", s.id, b.Name(), err)
			if b == main {
				return s.handleRoutingFailure(stmt, plan)
			}
			b.SetCloseReason("session command write failed")
			continue
		}
		b.historyCursor = seq + 1
	}

	if !mysql.CommandExpectsResponse(cmd) {
		if cmd == mysql.ComStmtClose {
			s.ps.erase(stmtID(stmt.data))
		}
		return nil
	}

	s.currentQuery = stmt
	s.resultHash = sha1.New()
	s.resultBytes = 0
	s.curIncluded = s.cfg.TransactionReplayChecksum == ChecksumFull
	s.histRecording = seq
	s.expectedResponses++
	s.lastUsed = main
	s.prevPlan = RoutingPlan{Target: TargetAll, Backend: main}
	return nil
}

// prepareTarget lazily opens the backend and replays the session command
// history on it.
func (s *Session) prepareTarget(b *Backend) error {
	if b == nil {
		return errNoTarget
	}
	if b.InUse() {
		return nil
	}
	if !b.CanConnect() {
		return util.Wrapf(errNoTarget, "server '%s' is not available", b.Name())
	}
	if b.everUsed && s.cfg.StrictTmpTables && s.tmpTables > 0 {
		return util.Wrapf(errNoTarget,
			"cannot reconnect to '%s': session has open temporary tables", b.Name())
	}
	b.state = backendOpening
	io, err := s.connector.Connect(b.Server())
	if err != nil {
		b.state = backendClosed
		b.SetCloseReason("connect failed: " + err.Error())
		return util.Wrapf(err, "connect to '%s' failed", b.Name())
	}
	b.open(io)
	b.everUsed = true
	if b.Server().IsMaster() {
		s.currentMaster = b
	}
	return b.catchUp(&s.history)
}

// ClientReply consumes one response chunk from a backend. data holds the
// bytes to forward; reply describes the response state.
func (s *Session) ClientReply(b *Backend, data []byte, reply *mysql.Reply) error {
	if s.closed {
		return errSessionClosed
	}

	if p := b.oldestPending(); p != nil {
		switch p.kind {
		case responseGtidProbe:
			return s.handleGtidProbeReply(b, reply)
		case responseCausalWait:
			return s.handleCausalWaitReply(b, reply)
		}
	}

	replyErr := reply.Error()
	if replyErr != nil && replyErr.IsUnexpectedError() {
		// All unexpected errors are related to server shutdown.
		b.SetCloseReason(fmt.Sprintf("Server '%s' is shutting down", b.Name()))
		if !b.IsWaitingResult() || !reply.HasStarted() {
			// The resultset has not reached the client; drop the packet
			// so the error handler can retry the statement.
			return nil
		}
	}

	if s.isIgnorableError(b, replyErr) {
		if handled, err := s.handleIgnorableError(b, replyErr); handled || err != nil {
			return err
		}
	}

	if b.ShouldIgnoreResponse() {
		return s.consumeIgnoredReply(b, data, reply)
	}

	switch s.state {
	case StateTrxReplay:
		return s.clientReplyTrxReplay(b, data, reply)
	case StateTrxReplayInterrupted:
		return s.clientReplyInterrupted(b, data, reply)
	case StateOtrxRollback:
		return s.clientReplyOtrxRollback(b, data, reply)
	}

	return s.clientReplyRouting(b, data, reply)
}

// clientReplyRouting is the normal mode response path.
func (s *Session) clientReplyRouting(b *Backend, data []byte, reply *mysql.Reply) error {
	if s.resultHash != nil {
		s.resultHash.Write(data)
	}
	s.manageTransactions(b, data, reply)

	if s.cfg.ReusePs && reply.Command() == mysql.ComStmtPrepare && s.lastPrepareSQL != "" {
		s.psResponseBuf = append(s.psResponseBuf, data...)
	}

	wasEnding := s.trxIsEnding()

	if reply.IsComplete() {
		b.ackWrite()
		s.expectedResponses--
		b.selectFinished()

		if lvl, ok := isolationLevel(reply); ok {
			serializable := strings.Contains(lvl, "SERIALIZABLE")
			if serializable && !s.serializableLock {
				s.log.Infof("Session %s: transaction isolation level set to SERIALIZABLE, "+
					"locking session to master", s.id)
			}
			s.serializableLock = serializable
		}

		if reply.Command() == mysql.ComStmtPrepare && reply.IsOK() {
			internal := reply.GeneratedID
			s.ps.storeResponse(internal, s.lastPrepareSQL, reply.ParamCount)
			b.setPsHandle(internal, internal)
			if s.histRecording >= 0 {
				s.history.SetPsID(s.histRecording, internal)
				s.applyPsHandles(s.histRecording, internal)
			}
			if s.cfg.ReusePs && s.lastPrepareSQL != "" {
				s.ps.cacheResponse(s.lastPrepareSQL, s.psResponseBuf)
			}
			s.lastPrepareSQL = ""
			s.psResponseBuf = nil
		}

		if s.histRecording >= 0 {
			// PREPARE responses differ per server and carry no
			// signature.
			if reply.Command() != mysql.ComStmtPrepare {
				s.history.SetSignature(s.histRecording, s.resultHash.Sum(nil))
			}
			s.histRecording = -1
		}

		s.recordTrxStmt(b, reply)
		s.tracker.UpdateFromReply(reply)
		s.trackGtidFromReply(reply)
		s.currentQuery = nil

		if s.waitGtid == causalRetryingOnMaster {
			s.waitGtid = causalNone
			s.gtid = ""
		}

		if wasEnding && s.expectedResponses == 0 && reply.Error() == nil {
			s.finishTransaction()
		}
	}

	s.resultBytes += int64(len(data))
	if err := s.client.Reply(data); err != nil {
		return util.Wrap(err, "client write failed")
	}

	if reply.IsComplete() && s.expectedResponses == 0 && s.state != StateTrxReplay {
		if err := s.routeStoredQuery(); err != nil {
			return err
		}
	}

	if s.expectedResponses == 0 && !s.trxIsOpen() {
		// Done here to avoid closing connections before all responses
		// have arrived; must not be done inside a transaction.
		s.closeStaleConnections()
	}
	return nil
}

// consumeIgnoredReply swallows a session command echo and verifies the
// history signature when one was recorded.
func (s *Session) consumeIgnoredReply(b *Backend, data []byte, reply *mysql.Reply) error {
	p := b.oldestPending()
	if p.sum != nil {
		p.sum.Write(data)
	}
	if !reply.IsComplete() {
		return nil
	}
	done := b.ackWrite()
	if err := reply.Error(); err != nil {
		s.log.Warnf("Session %s: session command failed on '%s': %s", s.id, b.Name(), err.Error())
	}
	if reply.Command() == mysql.ComStmtPrepare && reply.IsOK() && done.histSeq >= 0 {
		// Map the client visible statement id to the id this server
		// generated; stash it when the forwarded reply has not yet
		// assigned one.
		if internal := s.history.PsID(done.histSeq); internal != 0 {
			b.setPsHandle(internal, reply.GeneratedID)
		} else {
			if b.psBySeq == nil {
				b.psBySeq = make(map[int]uint32)
			}
			b.psBySeq[done.histSeq] = reply.GeneratedID
		}
	}
	if done.signature != nil && done.sum != nil {
		if !bytes.Equal(done.sum.Sum(nil), done.signature) {
			// The backend diverged from the session state the client
			// observed. It cannot be used again.
			s.log.Errorf("Session %s: history response mismatch on '%s', closing it", s.id, b.Name())
			b.Close(CloseFatal)
			b.SetCloseReason("history response signature mismatch")
		}
	}
	return nil
}

// manageTransactions tracks the open transaction's size and flips it to
// non-replayable once it outgrows trx_max_size. The transaction stays
// tracked so target identity and close reasons remain coherent.
func (s *Session) manageTransactions(b *Backend, data []byte, reply *mysql.Reply) {
	if !s.cfg.TransactionReplay || !s.canReplayTrx || !s.trxIsOpen() {
		return
	}
	if s.waitGtid == causalReadingGtid || s.waitGtid == causalGtidReadDone {
		return
	}
	var curSize int64
	if s.currentQuery != nil {
		curSize = int64(len(s.currentQuery.data))
	}
	if s.trx.Size()+curSize > s.cfg.TrxMaxSize {
		s.log.Infof("Session %s: transaction is too big (%d bytes), can't replay if it fails",
			s.id, s.trx.Size()+curSize)
		s.canReplayTrx = false
		if s.stats != nil {
			s.stats.AddTrxTooBig()
		}
	}
}

// applyPsHandles resolves stashed generated ids once the client visible
// id of a history PREPARE becomes known.
func (s *Session) applyPsHandles(seq int, internal uint32) {
	for _, b := range s.backends {
		if gid, ok := b.psBySeq[seq]; ok {
			b.setPsHandle(internal, gid)
			delete(b.psBySeq, seq)
		}
	}
}

// recordTrxStmt pushes the completed statement and its result checksum
// into the transaction record.
func (s *Session) recordTrxStmt(b *Backend, reply *mysql.Reply) {
	if !s.cfg.TransactionReplay || !s.canReplayTrx || !s.trxIsOpen() {
		return
	}
	if s.currentQuery == nil {
		return
	}
	if s.waitGtid == causalReadingGtid || s.waitGtid == causalGtidReadDone {
		return
	}
	s.trx.AddStmt(b, s.currentQuery.data)
	if s.curIncluded {
		s.trx.AddChecksum(s.resultHash.Sum(nil))
	} else {
		s.trx.AddChecksum(zeroChecksum)
	}
}

// finishTransaction closes the transaction record once the COMMIT or
// ROLLBACK has been acknowledged and all sibling responses are in.
func (s *Session) finishTransaction() {
	s.log.Debugf("Session %s: transaction complete on '%s', %d bytes of SQL",
		s.id, backendName(s.trx.Target()), s.trx.Size())
	s.trx.Close()
	s.canReplayTrx = true
	s.optimistic = false
}

// includeInChecksum applies the configured checksum mode to the current
// statement.
func (s *Session) includeInChecksum(info RouteInfo) bool {
	switch s.cfg.TransactionReplayChecksum {
	case ChecksumResultOnly:
		return info.TypeMask.HasAny(TypeRead|TypeUserVarRead|TypeSysVarRead) && !info.TypeMask.IsWrite()
	case ChecksumNoInsertID:
		return info.TypeMask.IsRead()
	default:
		return true
	}
}

// routeStoredQuery drains the pending queue for as long as routing stays
// unblocked.
func (s *Session) routeStoredQuery() error {
	for s.queryQueue.Size() > 0 {
		if s.expectedResponses > 0 || s.state != StateRouting || s.pendingRetries > 0 || s.closed {
			break
		}
		v, _ := s.queryQueue.Get(0)
		s.queryQueue.Remove(0)
		if err := s.routeQuery(v.(*statement)); err != nil {
			return err
		}
	}
	return nil
}

// closeStaleConnections drops connections to servers that fell out of
// the usable set and replica connections that no longer hold the active
// rank.
func (s *Session) closeStaleConnections() {
	rank, haveRank := s.bestReplicaRank()
	for _, b := range s.backends {
		if !b.InUse() || b.IsWaitingResult() {
			continue
		}
		srv := b.Server()
		if !srv.IsUsable() {
			s.log.Infof("Session %s: discarding connection to '%s', server in state: %s",
				s.id, b.Name(), srv.StatusString())
			b.Close(CloseNormal)
			b.SetCloseReason("server no longer usable")
		} else if haveRank && srv.IsSlave() && srv.Rank() != rank {
			s.log.Infof("Session %s: discarding connection to '%s': server has rank %d and current rank is %d",
				s.id, b.Name(), srv.Rank(), rank)
			b.Close(CloseNormal)
			b.SetCloseReason("server rank changed")
		}
	}
}

// startOtrxRollback aborts optimistic execution: the slave side is
// rolled back and the pending write is queued for the replay that
// follows.
func (s *Session) startOtrxRollback(stmt *statement) error {
	target := s.trx.Target()
	if target == nil || !target.InUse() {
		// Nothing to roll back, replay straight away.
		s.queryQueue.Prepend(stmt)
		s.tracker.Revert()
		s.optimistic = false
		if !s.startTrxReplay() {
			s.client.Kill(replayBudgetError("optimistic transaction cannot be migrated"))
			s.closed = true
		}
		return nil
	}
	s.log.Debugf("Session %s: write inside optimistic transaction, rolling back '%s'",
		s.id, target.Name())
	s.queryQueue.Prepend(stmt)
	s.tracker.Revert()
	if err := target.write(mysql.MakeQueryPacket("ROLLBACK"), responseForward); err != nil {
		return s.handleRoutingFailure(stmt, RoutingPlan{Target: TargetSlave, Backend: target})
	}
	s.expectedResponses++
	s.state = StateOtrxRollback
	return nil
}

// clientReplyOtrxRollback handles the response to the rollback that
// aborts optimistic execution.
func (s *Session) clientReplyOtrxRollback(b *Backend, data []byte, reply *mysql.Reply) error {
	if !reply.IsComplete() {
		return nil
	}
	b.ackWrite()
	s.expectedResponses--
	if !reply.IsOK() {
		// The rollback failed; the slave's state is unknown.
		s.log.Errorf("Session %s: optimistic rollback failed on '%s': %s",
			s.id, b.Name(), reply.Describe())
		s.client.Kill(replayBudgetError("optimistic transaction rollback failed"))
		s.closed = true
		return nil
	}
	s.state = StateRouting
	s.optimistic = false
	if !s.startTrxReplay() {
		s.client.Kill(replayBudgetError("optimistic transaction cannot be replayed"))
		s.closed = true
	}
	return nil
}

// Close tears the session down: queued work is discarded, in flight
// replays are dropped and every backend is closed after a best effort
// logout.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.canceledRetries = s.pendingRetries
	s.queryQueue.Clear()
	for _, b := range s.backends {
		if b.InUse() {
			_ = b.io.Write([]byte{mysql.ComQuit})
			b.Close(CloseNormal)
			b.SetCloseReason("session closed")
		}
		if s.stats != nil {
			s.stats.recordBackendTimers(b)
		}
	}
}

// verboseStatus renders the connection states for failure logs.
func (s *Session) verboseStatus() string {
	buf := &bytes.Buffer{}
	for i, b := range s.backends {
		if i > 0 {
			buf.WriteString(", ")
		}
		state := "closed"
		switch {
		case b.IsWaitingResult():
			state = "busy"
		case b.InUse():
			state = "open"
		case b.HasFailed():
			state = "failed"
		}
		fmt.Fprintf(buf, "'%s': %s (%s)", b.Name(), state, b.Server().StatusString())
	}
	return buf.String()
}

func backendName(b *Backend) string {
	if b == nil {
		return "<no target>"
	}
	return b.Name()
}
