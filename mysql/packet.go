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

package mysql

import (
	"encoding/binary"
)

// The router operates on application layer packets: the payload of a wire
// packet with the four byte header stripped. The first byte of a client
// packet is the command, the first byte of a server packet identifies the
// packet kind (OK / ERR / EOF / resultset).

// Command returns the command byte of a client packet. Returns ComSleep
// (0x00) for an empty packet, which no client ever sends.
func Command(packet []byte) byte {
	if len(packet) == 0 {
		return ComSleep
	}
	return packet[0]
}

// IsOKPacket tells whether the server packet is an OK packet.
func IsOKPacket(packet []byte) bool {
	return len(packet) > 0 && packet[0] == OKPacket
}

// IsErrPacket tells whether the server packet is an ERR packet.
func IsErrPacket(packet []byte) bool {
	return len(packet) > 0 && packet[0] == ErrPacket
}

// IsEOFPacket tells whether the server packet is an EOF packet. EOF
// packets are shorter than 9 bytes; 0xfe also starts a length encoded integer
// in row packets, hence the size check.
func IsEOFPacket(packet []byte) bool {
	return len(packet) > 0 && packet[0] == EOFPacket && len(packet) < 9
}

// ParseErrorPacket parses the error packet and returns a SQLError.
func ParseErrorPacket(packet []byte) *SQLError {
	// We need at least: 0xff (1) + errno (2).
	if len(packet) < 3 || packet[0] != ErrPacket {
		return NewSQLError(CRUnknownError, SSUnknownSQLState, "invalid error packet")
	}

	code := int(binary.LittleEndian.Uint16(packet[1:3]))
	pos := 3
	sqlState := SSUnknownSQLState
	if len(packet) >= 9 && packet[3] == '#' {
		sqlState = string(packet[4:9])
		pos = 9
	}
	return &SQLError{
		Num:     code,
		State:   sqlState,
		Message: string(packet[pos:]),
	}
}

// CRUnknownError is used when an error packet cannot be parsed.
const CRUnknownError = 2000

// MakeErrPacket builds an application layer ERR packet. The framing and
// sequencing is left to the protocol layer.
func MakeErrPacket(code int, sqlState string, message string) []byte {
	if sqlState == "" {
		sqlState = SSUnknownSQLState
	}
	data := make([]byte, 0, 9+len(message))
	data = append(data, ErrPacket)
	var num [2]byte
	binary.LittleEndian.PutUint16(num[:], uint16(code))
	data = append(data, num[:]...)
	data = append(data, '#')
	data = append(data, sqlState[:5]...)
	data = append(data, message...)
	return data
}

// MakeErrPacketFromError builds an ERR packet from a SQLError.
func MakeErrPacketFromError(err *SQLError) []byte {
	return MakeErrPacket(err.Num, err.State, err.Message)
}

// MakeOKPacket builds a minimal application layer OK packet.
func MakeOKPacket() []byte {
	// header, affected rows, last insert id, status flags, warnings
	return []byte{OKPacket, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
}

// MakeQueryPacket builds a COM_QUERY packet for the given statement text.
// Used for the small synchronisation statements the router injects.
func MakeQueryPacket(sql string) []byte {
	data := make([]byte, 0, 1+len(sql))
	data = append(data, ComQuery)
	data = append(data, sql...)
	return data
}

// CommandExpectsResponse tells whether the server answers the command at
// all. COM_STMT_CLOSE, COM_STMT_SEND_LONG_DATA and COM_QUIT are fire and
// forget.
func CommandExpectsResponse(cmd byte) bool {
	switch cmd {
	case ComStmtClose, ComStmtSendLongData, ComQuit:
		return false
	}
	return true
}

// QueryText extracts the statement text from a COM_QUERY packet. Returns
// an empty string for other commands.
func QueryText(packet []byte) string {
	if Command(packet) != ComQuery || len(packet) < 2 {
		return ""
	}
	return string(packet[1:])
}
