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

package rwsplit

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endink/go-rwsplit/mysql"
)

func digest(data ...byte) []byte {
	h := sha1.New()
	h.Write(data)
	return h.Sum(nil)
}

func TestTrxRecordsStatementsInOrder(t *testing.T) {
	trx := &Trx{}
	assert.True(t, trx.Empty())

	b := &Backend{}
	trx.AddStmt(b, mysql.MakeQueryPacket("BEGIN"))
	trx.AddChecksum(digest(1))
	trx.AddStmt(b, mysql.MakeQueryPacket("INSERT INTO t VALUES (1)"))
	trx.AddChecksum(digest(2))

	assert.Equal(t, b, trx.Target())
	assert.EqualValues(t, len("BEGIN")+1+len("INSERT INTO t VALUES (1)")+1, trx.Size())
	require.True(t, trx.HaveStmts())

	first := trx.PopStmt()
	assert.Equal(t, "BEGIN", mysql.QueryText(first.Packet))
	second := trx.PopStmt()
	assert.Equal(t, "INSERT INTO t VALUES (1)", mysql.QueryText(second.Packet))
	assert.False(t, trx.HaveStmts())

	// The checksum vector survives the pops for positional compares.
	assert.Equal(t, digest(1), trx.ChecksumAt(0))
	assert.Equal(t, digest(2), trx.ChecksumAt(1))
	assert.Nil(t, trx.ChecksumAt(2))
}

func TestTrxCloneIsIndependent(t *testing.T) {
	trx := &Trx{}
	trx.AddStmt(nil, mysql.MakeQueryPacket("BEGIN"))
	trx.AddChecksum(digest(1))

	snapshot := trx.Clone()
	trx.AddStmt(nil, mysql.MakeQueryPacket("COMMIT"))
	trx.AddChecksum(digest(2))

	assert.Equal(t, 1, snapshot.StmtCount())
	assert.Equal(t, 1, snapshot.ChecksumCount())
	assert.Equal(t, 2, trx.StmtCount())

	snapshot.PopStmt()
	assert.Equal(t, 2, trx.StmtCount())
}

func TestTrxCloseResets(t *testing.T) {
	trx := &Trx{}
	trx.AddStmt(nil, mysql.MakeQueryPacket("BEGIN"))
	trx.AddChecksum(zeroChecksum)
	trx.Close()

	assert.True(t, trx.Empty())
	assert.Nil(t, trx.Target())
	assert.Zero(t, trx.Size())
}
