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

func lostConn() *mysql.SQLError {
	return mysql.NewSQLError(mysql.CRServerLost, mysql.SSNetError, "Lost connection to MySQL server during query")
}

func replayConfig(cfg *rwsplit.Config) {
	cfg.TransactionReplay = true
	cfg.MasterReconnection = true
}

func TestTrxReplayAfterMasterLoss(t *testing.T) {
	fx := newFixture(t, replayConfig)

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("INSERT INTO t VALUES (1)")
	fx.ok("master1")

	// The connection is killed while idle; the transaction replays on a
	// fresh master connection.
	ok := fx.session.HandleError(fx.backend("master1"), false, lostConn(), nil)
	require.True(t, ok)
	assert.Equal(t, rwsplit.StateTrxReplay, fx.session.State())

	// A fresh connection was opened and the transaction is resent.
	assert.Equal(t, "BEGIN", fx.io("master1").LastSQL())
	fx.ok("master1")
	assert.Equal(t, "INSERT INTO t VALUES (1)", fx.io("master1").LastSQL())
	fx.ok("master1")

	assert.Equal(t, rwsplit.StateRouting, fx.session.State())
	assert.EqualValues(t, 1, fx.stats.TrxReplays())
	assert.False(t, fx.client.Killed)

	// The replayed responses are not delivered twice.
	assert.Len(t, fx.client.Replies, 2)

	fx.route("COMMIT")
	fx.ok("master1")
	assert.Len(t, fx.client.Replies, 3)
}

func TestReplayChecksumMismatchKillsSession(t *testing.T) {
	fx := newFixture(t, replayConfig)

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("SELECT LAST_INSERT_ID()")
	fx.reply("master1", []byte{0x01, 0x02, 0x03}, testkit.CompleteResult(mysql.ComQuery, 1))

	require.True(t, fx.session.HandleError(fx.backend("master1"), false, lostConn(), nil))

	// Replay: BEGIN matches, the insert id read does not.
	fx.ok("master1")
	fx.reply("master1", []byte{0x09, 0x09, 0x09}, testkit.CompleteResult(mysql.ComQuery, 1))

	require.True(t, fx.client.Killed)
	require.NotNil(t, fx.client.KillErr)
	assert.Equal(t, mysql.ERConnectionKilled, fx.client.KillErr.Num)
	assert.Equal(t, mysql.SSNetError, fx.client.KillErr.State)
}

func TestNoInsertIDChecksumModeToleratesNewIDs(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		replayConfig(cfg)
		cfg.TransactionReplayChecksum = rwsplit.ChecksumNoInsertID
	})

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("SELECT LAST_INSERT_ID()")
	fx.reply("master1", []byte{0x01, 0x02, 0x03}, testkit.CompleteResult(mysql.ComQuery, 1))

	require.True(t, fx.session.HandleError(fx.backend("master1"), false, lostConn(), nil))

	fx.ok("master1")
	fx.reply("master1", []byte{0x09, 0x09, 0x09}, testkit.CompleteResult(mysql.ComQuery, 1))

	assert.False(t, fx.client.Killed)
	assert.Equal(t, rwsplit.StateRouting, fx.session.State())
	assert.EqualValues(t, 1, fx.stats.TrxReplays())
}

func TestTrxTooBigDisablesReplay(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		replayConfig(cfg)
		cfg.TrxMaxSize = 8
	})

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("INSERT INTO t VALUES (1)")
	fx.ok("master1")

	assert.EqualValues(t, 1, fx.stats.TrxTooBig())

	// With the transaction too large, the failure is terminal.
	ok := fx.session.HandleError(fx.backend("master1"), false, lostConn(), nil)
	assert.False(t, ok)
	assert.True(t, fx.client.Killed)
	assert.EqualValues(t, 0, fx.stats.TrxReplays())
}

func TestInterruptedResultResumesAtPrefix(t *testing.T) {
	fx := newFixture(t, replayConfig)

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("SELECT a FROM t")
	// Half of the resultset reaches the client before the master dies.
	fx.reply("master1", []byte{0xAA, 0xBB}, testkit.PartialReply(mysql.ComQuery))
	require.Len(t, fx.client.Replies, 2)

	ok := fx.session.HandleError(fx.backend("master1"), false, lostConn(),
		testkit.PartialReply(mysql.ComQuery))
	require.True(t, ok)

	// BEGIN replays first.
	fx.ok("master1")
	assert.Equal(t, rwsplit.StateTrxReplayInterrupted, fx.session.State())
	assert.Equal(t, "SELECT a FROM t", fx.io("master1").LastSQL())

	// The re-executed resultset: the delivered prefix is consumed, the
	// rest forwarded.
	before := len(fx.client.Replies)
	fx.reply("master1", []byte{0xAA, 0xBB}, testkit.PartialReply(mysql.ComQuery))
	assert.Len(t, fx.client.Replies, before)
	fx.reply("master1", []byte{0xCC, 0xDD}, testkit.CompleteResult(mysql.ComQuery, 2))

	require.Len(t, fx.client.Replies, before+1)
	assert.Equal(t, []byte{0xCC, 0xDD}, fx.client.Replies[before])
	assert.Equal(t, rwsplit.StateRouting, fx.session.State())
	assert.False(t, fx.client.Killed)

	// P3: the concatenation of everything the client received is the
	// full final resultset.
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, fx.client.Bytes()[len(mysql.MakeOKPacket()):])
}

func TestInterruptedResultPrefixMismatchKillsSession(t *testing.T) {
	fx := newFixture(t, replayConfig)

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("SELECT a FROM t")
	fx.reply("master1", []byte{0xAA, 0xBB}, testkit.PartialReply(mysql.ComQuery))

	require.True(t, fx.session.HandleError(fx.backend("master1"), false, lostConn(),
		testkit.PartialReply(mysql.ComQuery)))
	fx.ok("master1")

	// The re-executed result diverges inside the delivered prefix.
	fx.reply("master1", []byte{0xAA, 0xFF, 0xCC}, testkit.CompleteResult(mysql.ComQuery, 2))

	require.True(t, fx.client.Killed)
	assert.Equal(t, mysql.ERConnectionKilled, fx.client.KillErr.Num)
}

func TestDeadlockTriggersReplayWhenConfigured(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		replayConfig(cfg)
		cfg.TrxRetryOnDeadlock = true
	})

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("INSERT INTO t VALUES (1)")
	fx.ok("master1")
	fx.route("UPDATE t SET a = 2")
	fx.reply("master1", mysql.MakeErrPacket(mysql.ERLockDeadlock, mysql.SSDeadlock, "Deadlock found"),
		testkit.ErrReply(mysql.ComQuery, mysql.ERLockDeadlock, mysql.SSDeadlock, "Deadlock found"))

	// The deadlock error is consumed and the transaction replays.
	assert.Equal(t, rwsplit.StateTrxReplay, fx.session.State())
	fx.ok("master1") // BEGIN
	fx.ok("master1") // INSERT
	// The interrupted UPDATE resumes and its result reaches the client.
	assert.Equal(t, "UPDATE t SET a = 2", fx.io("master1").LastSQL())
	fx.ok("master1")

	assert.Equal(t, rwsplit.StateRouting, fx.session.State())
	assert.False(t, fx.client.Killed)
	// The client never saw the deadlock error.
	for _, r := range fx.client.Replies {
		assert.False(t, mysql.IsErrPacket(r))
	}
}

func TestReadOnlyTrxReplaysOnAnotherReplica(t *testing.T) {
	fx := newFixture(t, replayConfig)

	fx.route("START TRANSACTION READ ONLY")
	fx.ok("replica1")
	fx.route("SELECT 1")
	fx.reply("replica1", mysql.MakeOKPacket(), testkit.CompleteResult(mysql.ComQuery, 1))

	ok := fx.session.HandleError(fx.backend("replica1"), true, lostConn(), nil)
	require.True(t, ok)

	// The transaction moves to the remaining replica.
	require.NotNil(t, fx.conn.Io("replica2"))
	assert.Equal(t, "START TRANSACTION READ ONLY", mysql.QueryText(fx.io("replica2").Writes[0]))
	fx.ok("replica2")
	assert.Equal(t, "SELECT 1", fx.io("replica2").LastSQL())
}

func TestReplayBudgetExhaustedFailsSession(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		replayConfig(cfg)
		cfg.TrxMaxAttempts = 1
	})

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("INSERT INTO t VALUES (1)")
	fx.ok("master1")

	require.True(t, fx.session.HandleError(fx.backend("master1"), false, lostConn(), nil))

	// The replay target dies as well; the attempt cap is spent.
	ok := fx.session.HandleError(fx.backend("master1"), false, lostConn(), nil)
	assert.False(t, ok)
	assert.True(t, fx.client.Killed)
}

func TestDelayedRetrySchedulesReplay(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		replayConfig(cfg)
		cfg.DelayedRetry = true
	})

	fx.route("BEGIN")
	fx.ok("master1")
	fx.route("INSERT INTO t VALUES (1)")
	fx.ok("master1")

	require.True(t, fx.session.HandleError(fx.backend("master1"), false, lostConn(), nil))

	// Nothing was resent yet; the retry sits on the timer.
	require.Len(t, fx.sched.Pending, 1)
	fx.sched.FireAll()
	assert.Equal(t, "BEGIN", fx.io("master1").LastSQL())
}

func TestPartialMultiStatementFailureIsFatal(t *testing.T) {
	fx := newFixture(t, nil)

	fx.route("SELECT 1; SELECT SLEEP(5)")
	fx.reply("replica1", []byte{0x01}, testkit.PartialReply(mysql.ComQuery))

	ok := fx.session.HandleError(fx.backend("replica1"), false, lostConn(),
		testkit.PartialReply(mysql.ComQuery))
	assert.False(t, ok)
	assert.True(t, fx.client.Killed)
}
