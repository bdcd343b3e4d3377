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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/rwsplit"
	"github.com/endink/go-rwsplit/testkit"
)

func TestUniversalCausalReadProbesAndWaits(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		cfg.CausalReads = rwsplit.CausalReadsUniversal
	})

	fx.route("INSERT INTO t VALUES (1)")
	fx.ok("master1")

	fx.route("SELECT a FROM t")

	// The read is parked; a gtid probe reaches the master first.
	assert.Equal(t, "SELECT @@gtid_current_pos", fx.io("master1").LastSQL())
	fx.reply("master1", []byte{0x01}, testkit.RowReply(mysql.ComQuery, "0-1-42"))

	// The replica executes the wait before the read.
	waitSQL := fx.io("replica1").LastSQL()
	assert.True(t, strings.HasPrefix(waitSQL, "SELECT MASTER_GTID_WAIT('0-1-42'"), waitSQL)
	fx.reply("replica1", []byte{0x01}, testkit.RowReply(mysql.ComQuery, "0"))

	// The wait succeeded, the read runs on the same replica.
	assert.Equal(t, "SELECT a FROM t", fx.io("replica1").LastSQL())
	before := len(fx.client.Replies)
	fx.reply("replica1", mysql.MakeOKPacket(), testkit.CompleteResult(mysql.ComQuery, 1))
	assert.Len(t, fx.client.Replies, before+1)
	assert.Equal(t, 0, fx.session.ExpectedResponses())
}

func TestUniversalCausalReadTimeoutSurfacesError(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		cfg.CausalReads = rwsplit.CausalReadsUniversal
	})

	fx.route("SELECT a FROM t")
	fx.reply("master1", []byte{0x01}, testkit.RowReply(mysql.ComQuery, "0-1-42"))

	// The replica never catches up.
	fx.reply("replica1", []byte{0x01}, testkit.RowReply(mysql.ComQuery, "-1"))

	require.NotEmpty(t, fx.client.Replies)
	last := fx.client.Replies[len(fx.client.Replies)-1]
	require.True(t, mysql.IsErrPacket(last))
	parsed := mysql.ParseErrorPacket(last)
	assert.Equal(t, mysql.ERLockWaitTimeout, parsed.Num)
	assert.False(t, fx.client.Killed)
	assert.Equal(t, 0, fx.session.ExpectedResponses())
}

func TestLocalCausalReadTracksGtidFromWrites(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		cfg.CausalReads = rwsplit.CausalReadsLocal
	})

	fx.route("INSERT INTO t VALUES (1)")
	fx.reply("master1", mysql.MakeOKPacket(),
		testkit.VarReply(mysql.ComQuery, map[string]string{"last_gtid": "0-1-7"}))

	fx.route("SELECT a FROM t")

	// No probe in LOCAL mode; the wait uses the tracked write gtid.
	waitSQL := fx.io("replica1").LastSQL()
	assert.True(t, strings.HasPrefix(waitSQL, "SELECT MASTER_GTID_WAIT('0-1-7'"), waitSQL)
}

func TestLocalCausalReadFallsBackToMaster(t *testing.T) {
	fx := newFixture(t, func(cfg *rwsplit.Config) {
		cfg.CausalReads = rwsplit.CausalReadsLocal
	})

	fx.route("INSERT INTO t VALUES (1)")
	fx.reply("master1", mysql.MakeOKPacket(),
		testkit.VarReply(mysql.ComQuery, map[string]string{"last_gtid": "0-1-7"}))

	fx.route("SELECT a FROM t")
	// The replica cannot catch up in time; the read moves to the master.
	fx.reply("replica1", []byte{0x01}, testkit.RowReply(mysql.ComQuery, "-1"))

	assert.Equal(t, "SELECT a FROM t", fx.io("master1").LastSQL())
	before := len(fx.client.Replies)
	fx.reply("master1", mysql.MakeOKPacket(), testkit.CompleteResult(mysql.ComQuery, 1))
	assert.Len(t, fx.client.Replies, before+1)
	assert.False(t, fx.client.Killed)
}

func TestCausalReadsDisabledDoesNotProbe(t *testing.T) {
	fx := newFixture(t, nil)

	fx.route("INSERT INTO t VALUES (1)")
	fx.reply("master1", mysql.MakeOKPacket(),
		testkit.VarReply(mysql.ComQuery, map[string]string{"last_gtid": "0-1-7"}))

	fx.route("SELECT a FROM t")
	assert.Equal(t, "SELECT a FROM t", fx.io("replica1").LastSQL())
	assert.Equal(t, 1, fx.io("replica1").WriteCount())
}
