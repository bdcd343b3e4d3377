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

package rwsplit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/rwsplit"
	"github.com/endink/go-rwsplit/testkit"
)

func TestResponseAccounting(t *testing.T) {
	fx := newFixture(t, nil)

	fx.route("SELECT 1")
	assert.Equal(t, 1, fx.session.ExpectedResponses())

	// A partial resultset keeps the count.
	fx.reply("replica1", []byte{0x01}, testkit.PartialReply(mysql.ComQuery))
	assert.Equal(t, 1, fx.session.ExpectedResponses())

	fx.reply("replica1", mysql.MakeOKPacket(), testkit.CompleteResult(mysql.ComQuery, 1))
	assert.Equal(t, 0, fx.session.ExpectedResponses())
	assert.Len(t, fx.client.Replies, 2)
}

func TestPipelinedQueriesAreQueuedFIFO(t *testing.T) {
	fx := newFixture(t, nil)

	fx.route("SELECT 1")
	fx.route("SELECT 2")
	fx.route("SELECT 3")

	// Only the first one is on the wire.
	assert.Equal(t, 1, fx.io("replica1").WriteCount())

	fx.reply("replica1", mysql.MakeOKPacket(), testkit.CompleteResult(mysql.ComQuery, 0))
	assert.Equal(t, "SELECT 2", fx.io("replica1").LastSQL())

	fx.reply("replica1", mysql.MakeOKPacket(), testkit.CompleteResult(mysql.ComQuery, 0))
	assert.Equal(t, "SELECT 3", fx.io("replica1").LastSQL())

	fx.reply("replica1", mysql.MakeOKPacket(), testkit.CompleteResult(mysql.ComQuery, 0))
	assert.Equal(t, 0, fx.session.ExpectedResponses())
}

func TestSessionCommandGoesToAllOpenBackends(t *testing.T) {
	fx := newFixture(t, nil)

	// Open both a replica and the master first.
	fx.route("SELECT 1")
	fx.reply("replica1", mysql.MakeOKPacket(), testkit.CompleteResult(mysql.ComQuery, 0))
	fx.route("INSERT INTO t VALUES (1)")
	fx.ok("master1")

	fx.route("SET @a = 1")
	assert.Equal(t, "SET @a = 1", fx.io("master1").LastSQL())
	assert.Equal(t, "SET @a = 1", fx.io("replica1").LastSQL())
	// Only one response is client visible.
	assert.Equal(t, 1, fx.session.ExpectedResponses())

	// The replica echo is consumed, the master response forwarded.
	clientReplies := len(fx.client.Replies)
	fx.ok("replica1")
	assert.Len(t, fx.client.Replies, clientReplies)
	fx.ok("master1")
	assert.Len(t, fx.client.Replies, clientReplies+1)
	assert.Equal(t, 0, fx.session.ExpectedResponses())
}

func TestLateBackendCatchesUpHistory(t *testing.T) {
	fx := newFixture(t, nil)

	// Two session commands while only the master is open.
	fx.route("USE test")
	fx.ok("master1")
	fx.route("SET @a = 1")
	fx.ok("master1")

	// The first read opens the replica, which must replay the history
	// before the read.
	fx.route("SELECT 1")
	io := fx.io("replica1")
	require.Equal(t, 3, io.WriteCount())
	assert.Equal(t, "USE test", mysql.QueryText(io.Writes[0]))
	assert.Equal(t, "SET @a = 1", mysql.QueryText(io.Writes[1]))
	assert.Equal(t, "SELECT 1", mysql.QueryText(io.Writes[2]))
}

func TestHistorySignatureMismatchClosesBackend(t *testing.T) {
	fx := newFixture(t, nil)

	fx.route("SET @a = 1")
	// The forwarded response defines the signature.
	fx.ok("master1")

	fx.route("SELECT 1")
	replica := fx.backend("replica1")
	require.True(t, replica.InUse())

	// The replica's catch-up echo diverges from the recorded response.
	divergent := mysql.MakeErrPacket(1064, mysql.SSSyntaxError, "boom")
	fx.reply("replica1", divergent, testkit.ErrReply(mysql.ComQuery, 1064, mysql.SSSyntaxError, "boom"))

	assert.False(t, replica.InUse())
	assert.True(t, replica.HasFailed())
	assert.Contains(t, replica.CloseReason(), "signature mismatch")
}

func TestFailedReadRetriedOnAnotherReplica(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		cfg.DelayedRetry = true
		cfg.RetryFailedReads = true
	})

	fx.route("SELECT 1")
	require.NotNil(t, fx.conn.Io("replica1"))

	// replica1 dies; the read is retried on another server.
	fx.session.HandleError(fx.backend("replica1"), true,
		mysql.NewSQLError(mysql.CRServerLost, mysql.SSNetError, "connection lost"), nil)

	// The retried read is in flight on the replacement replica.
	assert.Equal(t, 1, fx.session.ExpectedResponses())
	assert.Equal(t, "SELECT 1", fx.io("replica2").LastSQL())
	assert.False(t, fx.client.Killed)
}

func TestMalformedPacketSurfacesClientError(t *testing.T) {
	fx := newFixture(t, nil)

	require.NoError(t, fx.session.RouteQuery([]byte{}))

	require.Len(t, fx.client.Replies, 1)
	assert.True(t, mysql.IsErrPacket(fx.client.Replies[0]))
	assert.False(t, fx.client.Killed)
}

func TestCloseDiscardsQueueAndClosesBackends(t *testing.T) {
	fx := newFixture(t, nil)

	fx.route("SELECT 1")
	fx.route("SELECT 2")
	fx.session.Close()

	io := fx.io("replica1")
	assert.True(t, io.Closed)
	// Best effort logout precedes the close.
	assert.Equal(t, mysql.ComQuit, mysql.Command(io.LastWrite()))
	assert.Error(t, fx.session.RouteQuery(testkit.Query("SELECT 3")))
}

func TestStmtPrepareIDRemapping(t *testing.T) {
	fx := newFixture(t, nil)

	// PREPARE goes to all backends; only the master is open.
	fx.route("INSERT INTO t VALUES (1)")
	fx.ok("master1")

	prepare := append([]byte{mysql.ComStmtPrepare}, []byte("SELECT ?")...)
	require.NoError(t, fx.session.RouteQuery(prepare))
	fx.reply("master1", []byte{0x00, 0x07, 0x00, 0x00, 0x00},
		&mysql.Reply{Cmd: mysql.ComStmtPrepare, Complete: true, OK: true, GeneratedID: 7, ParamCount: 1})

	// Execute with the client visible id 7 goes to the master with the
	// same id.
	exec := []byte{mysql.ComStmtExecute, 0x07, 0x00, 0x00, 0x00, 0x00}
	require.NoError(t, fx.session.RouteQuery(exec))
	sent := fx.io("master1").LastWrite()
	assert.Equal(t, byte(mysql.ComStmtExecute), mysql.Command(sent))
	assert.Equal(t, byte(0x07), sent[1])
}
