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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endink/go-rwsplit/mysql"
)

func TestHistoryAppendsInOrder(t *testing.T) {
	h := &History{}
	assert.Zero(t, h.Size())

	seq1 := h.Append(mysql.MakeQueryPacket("USE test"))
	seq2 := h.Append(mysql.MakeQueryPacket("SET @a = 1"))
	require.Equal(t, 0, seq1)
	require.Equal(t, 1, seq2)
	require.Equal(t, 2, h.Size())

	assert.Equal(t, "USE test", mysql.QueryText(h.Get(0).Packet))
	assert.Equal(t, byte(mysql.ComQuery), h.Get(0).Command)
	assert.Equal(t, "SET @a = 1", mysql.QueryText(h.Get(1).Packet))
}

func TestHistorySignatures(t *testing.T) {
	h := &History{}
	seq := h.Append(mysql.MakeQueryPacket("SET @a = 1"))
	assert.Nil(t, h.Get(seq).Signature)

	h.SetSignature(seq, []byte{0x01, 0x02})
	assert.Equal(t, []byte{0x01, 0x02}, h.Get(seq).Signature)

	// Out of range updates are ignored.
	h.SetSignature(99, []byte{0xff})
}

func TestHistoryPsIDs(t *testing.T) {
	h := &History{}
	seq := h.Append(append([]byte{mysql.ComStmtPrepare}, "SELECT ?"...))
	assert.Zero(t, h.PsID(seq))

	h.SetPsID(seq, 7)
	assert.EqualValues(t, 7, h.PsID(seq))
	assert.Zero(t, h.PsID(42))
}
