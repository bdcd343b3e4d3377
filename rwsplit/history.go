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
	"github.com/endink/go-rwsplit/mysql"
)

// HistoryEntry is one recorded session command. Entries are never
// reordered; every backend brought into use replays them in sequence.
type HistoryEntry struct {
	Seq     int
	Command byte
	Packet  []byte
	// Signature is the digest of the response the original executor
	// forwarded. Catch-up replies must match it; a mismatch is fatal
	// for the backend that produced it. PREPARE entries carry none,
	// their responses legitimately differ per server.
	Signature []byte
	// PsInternal is the client visible statement id a PREPARE entry
	// produced, 0 otherwise.
	PsInternal uint32
}

// History is the monotonically growing session command log.
type History struct {
	entries []HistoryEntry
}

// Append records a session command and returns its sequence number. The
// signature may be set later, once the forwarded response completes.
func (h *History) Append(packet []byte) int {
	seq := len(h.entries)
	h.entries = append(h.entries, HistoryEntry{
		Seq:     seq,
		Command: mysql.Command(packet),
		Packet:  packet,
	})
	return seq
}

// SetSignature attaches the expected response digest to an entry.
func (h *History) SetSignature(seq int, signature []byte) {
	if seq >= 0 && seq < len(h.entries) {
		h.entries[seq].Signature = signature
	}
}

// SetPsID records the client visible statement id of a PREPARE entry.
func (h *History) SetPsID(seq int, id uint32) {
	if seq >= 0 && seq < len(h.entries) {
		h.entries[seq].PsInternal = id
	}
}

// PsID returns the client visible statement id of a PREPARE entry.
func (h *History) PsID(seq int) uint32 {
	if seq >= 0 && seq < len(h.entries) {
		return h.entries[seq].PsInternal
	}
	return 0
}

// Get returns the entry at the cursor position.
func (h *History) Get(cursor int) *HistoryEntry {
	return &h.entries[cursor]
}

// Size returns the number of recorded session commands.
func (h *History) Size() int {
	return len(h.entries)
}
