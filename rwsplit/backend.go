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
	"crypto/sha1"
	"encoding/binary"
	"hash"
	"time"

	"github.com/endink/go-rwsplit/cluster"
	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/util"
)

// CloseType tells whether a backend may be reopened after closing.
type CloseType int

const (
	// CloseNormal allows the backend to be reopened later.
	CloseNormal CloseType = iota
	// CloseFatal forbids reopening for the rest of the session.
	CloseFatal
)

type backendState int

const (
	backendClosed backendState = iota
	backendOpening
	backendReady
	backendBusy
)

// responseKind tells what the session does with a pending backend
// response.
type responseKind int

const (
	// responseForward is a client visible response.
	responseForward responseKind = iota
	// responseIgnore is consumed silently (session command echo).
	responseIgnore
	// responseCausalWait is the reply to an injected gtid wait.
	responseCausalWait
	// responseGtidProbe is the reply to an injected gtid probe.
	responseGtidProbe
)

// pendingResponse tracks one outstanding reply on a backend, in issue
// order. The protocol guarantees replies arrive in that order.
type pendingResponse struct {
	kind responseKind
	// histSeq is the history entry the response answers, -1 otherwise.
	histSeq int
	// signature is the expected response digest for history catch-up.
	signature []byte
	// sum accumulates the response bytes when a signature is verified.
	sum hash.Hash
}

// Backend multiplexes one upstream connection within one session. It
// shields the rest of the router from reconnection: a backend may be
// closed and reopened arbitrarily many times before the session ends.
type Backend struct {
	server  *cluster.Server
	session *Session // non owning back reference
	io      BackendIo

	state       backendState
	fatal       bool
	everUsed    bool
	closeReason string
	lastWrite   time.Time

	pending []pendingResponse

	// historyCursor is the next history entry this backend must execute
	// before carrying new statements.
	historyCursor int

	// psHandles maps internal prepared statement ids to the ids this
	// server assigned.
	psHandles map[uint32]uint32
	// psBySeq stashes generated statement ids for history entries whose
	// internal id is not yet known.
	psBySeq map[int]uint32

	numSelects    int64
	selectStarted time.Time
	selectTotal   time.Duration
	sessionStart  time.Time
}

func newBackend(server *cluster.Server, session *Session) *Backend {
	return &Backend{
		server:    server,
		session:   session,
		psHandles: make(map[uint32]uint32),
	}
}

// Server returns the upstream server this backend connects to.
func (b *Backend) Server() *cluster.Server {
	return b.server
}

// Name returns the upstream server name.
func (b *Backend) Name() string {
	return b.server.Name()
}

// InUse tells whether the backend currently holds an open connection.
func (b *Backend) InUse() bool {
	return b.state == backendReady || b.state == backendBusy
}

// IsWaitingResult tells whether at least one response is outstanding.
func (b *Backend) IsWaitingResult() bool {
	return len(b.pending) > 0
}

// IsIdle tells whether the backend is open with nothing outstanding.
func (b *Backend) IsIdle() bool {
	return b.state == backendReady && len(b.pending) == 0
}

// ShouldIgnoreResponse tells whether the oldest outstanding response is
// consumed by the router instead of being forwarded to the client.
func (b *Backend) ShouldIgnoreResponse() bool {
	return len(b.pending) > 0 && b.pending[0].kind != responseForward
}

// HasFailed tells whether the backend was closed fatally.
func (b *Backend) HasFailed() bool {
	return b.fatal
}

// CanConnect tells whether a new connection may be opened.
func (b *Backend) CanConnect() bool {
	return !b.fatal && b.server.IsUsable()
}

// LastWrite returns the time of the last statement written.
func (b *Backend) LastWrite() time.Time {
	return b.lastWrite
}

// CloseReason returns the recorded reason of the last close.
func (b *Backend) CloseReason() string {
	return b.closeReason
}

// SetCloseReason records why the connection went away, for failure logs.
func (b *Backend) SetCloseReason(reason string) {
	b.closeReason = reason
}

// open attaches a fresh upstream connection.
func (b *Backend) open(io BackendIo) {
	b.io = io
	b.state = backendReady
	b.pending = b.pending[:0]
	b.psHandles = make(map[uint32]uint32)
	b.historyCursor = 0
	b.sessionStart = time.Now()
}

// write sends a packet upstream and registers the expected response.
// Commands without a response are only written. Failing to write marks
// the backend broken.
func (b *Backend) write(packet []byte, kind responseKind) error {
	if !b.InUse() {
		return util.Wrapf(errBackendNotInUse, "backend '%s'", b.Name())
	}
	if err := b.io.Write(packet); err != nil {
		b.Close(CloseFatal)
		b.SetCloseReason("write failed: " + err.Error())
		return util.Wrapf(err, "write to '%s' failed", b.Name())
	}
	if mysql.CommandExpectsResponse(mysql.Command(packet)) {
		b.pending = append(b.pending, pendingResponse{kind: kind, histSeq: -1})
		b.state = backendBusy
	}
	b.lastWrite = time.Now()
	b.server.AddQuery()
	return nil
}

// writeHistory sends a history entry whose silent reply is verified
// against the recorded signature.
func (b *Backend) writeHistory(entry *HistoryEntry) error {
	if err := b.write(entry.Packet, responseIgnore); err != nil {
		return err
	}
	if !mysql.CommandExpectsResponse(entry.Command) {
		return nil
	}
	p := &b.pending[len(b.pending)-1]
	p.histSeq = entry.Seq
	if len(entry.Signature) > 0 {
		p.signature = entry.Signature
		p.sum = sha1.New()
	}
	return nil
}

// ackWrite pops the oldest outstanding response. Returns the popped
// entry.
func (b *Backend) ackWrite() pendingResponse {
	p := b.pending[0]
	b.pending = b.pending[1:]
	if len(b.pending) == 0 && b.state == backendBusy {
		b.state = backendReady
	}
	return p
}

// oldestPending returns the response currently streaming in.
func (b *Backend) oldestPending() *pendingResponse {
	if len(b.pending) == 0 {
		return nil
	}
	return &b.pending[0]
}

// Close tears down the connection. CloseFatal marks the backend
// unusable for the rest of the session.
func (b *Backend) Close(kind CloseType) {
	if kind == CloseFatal {
		b.fatal = true
	}
	if b.state == backendClosed {
		return
	}
	if b.io != nil {
		b.io.Close()
		b.io = nil
	}
	b.state = backendClosed
	b.pending = b.pending[:0]
}

// catchUp replays pending history entries on first use. Their replies
// are consumed silently; a signature mismatch later closes the backend
// fatally.
func (b *Backend) catchUp(history *History) error {
	for b.historyCursor < history.Size() {
		entry := history.Get(b.historyCursor)
		if err := b.writeHistory(entry); err != nil {
			return err
		}
		b.historyCursor++
	}
	return nil
}

// setPsHandle records the server assigned id for an internal prepared
// statement id.
func (b *Backend) setPsHandle(internal, server uint32) {
	b.psHandles[internal] = server
}

// remapPsID rewrites the statement id of a binary protocol packet from
// the internal id to this server's id. The packet is copied; the
// original may be stored for replay.
func (b *Backend) remapPsID(packet []byte) []byte {
	if len(packet) < 5 {
		return packet
	}
	switch mysql.Command(packet) {
	case mysql.ComStmtExecute, mysql.ComStmtClose, mysql.ComStmtReset, mysql.ComStmtSendLongData, mysql.ComStmtFetch:
	default:
		return packet
	}
	internal := binary.LittleEndian.Uint32(packet[1:5])
	server, ok := b.psHandles[internal]
	if !ok || server == internal {
		return packet
	}
	out := make([]byte, len(packet))
	copy(out, packet)
	binary.LittleEndian.PutUint32(out[1:5], server)
	return out
}

// selectStartedNow starts the per select timer.
func (b *Backend) selectStartedNow() {
	b.selectStarted = time.Now()
	b.numSelects++
}

// selectFinished accumulates the per select timer.
func (b *Backend) selectFinished() {
	if !b.selectStarted.IsZero() {
		b.selectTotal += time.Since(b.selectStarted)
		b.selectStarted = time.Time{}
	}
}
