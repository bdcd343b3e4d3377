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

// Package testkit holds the scripted fakes the router tests drive
// sessions with.
package testkit

import (
	"time"

	"github.com/endink/go-rwsplit/cluster"
	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/rwsplit"
)

// FakeBackendIo records what the router writes to one upstream
// connection.
type FakeBackendIo struct {
	Name    string
	Writes  [][]byte
	Closed  bool
	FailAll bool
	LastErr *mysql.SQLError
}

func (f *FakeBackendIo) Write(packet []byte) error {
	if f.FailAll {
		return mysql.NewSQLError(mysql.CRServerGone, mysql.SSNetError, "server has gone away")
	}
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.Writes = append(f.Writes, cp)
	return nil
}

func (f *FakeBackendIo) Close() {
	f.Closed = true
}

func (f *FakeBackendIo) LastError() *mysql.SQLError {
	return f.LastErr
}

// WriteCount returns the number of packets written so far.
func (f *FakeBackendIo) WriteCount() int {
	return len(f.Writes)
}

// LastWrite returns the most recent packet, nil if none.
func (f *FakeBackendIo) LastWrite() []byte {
	if len(f.Writes) == 0 {
		return nil
	}
	return f.Writes[len(f.Writes)-1]
}

// LastSQL returns the statement text of the most recent COM_QUERY.
func (f *FakeBackendIo) LastSQL() string {
	return mysql.QueryText(f.LastWrite())
}

// FakeConnector hands out FakeBackendIo instances per server name.
type FakeConnector struct {
	Ios      map[string]*FakeBackendIo
	Failing  map[string]bool
	Connects []string
}

func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		Ios:     make(map[string]*FakeBackendIo),
		Failing: make(map[string]bool),
	}
}

func (c *FakeConnector) Connect(server *cluster.Server) (rwsplit.BackendIo, error) {
	c.Connects = append(c.Connects, server.Name())
	if c.Failing[server.Name()] {
		return nil, mysql.NewSQLError(mysql.CRConnHostError, mysql.SSNetError,
			"can't connect to MySQL server on '%s'", server.Addr())
	}
	io := &FakeBackendIo{Name: server.Name()}
	c.Ios[server.Name()] = io
	return io, nil
}

// Io returns the connection last opened to the named server.
func (c *FakeConnector) Io(name string) *FakeBackendIo {
	return c.Ios[name]
}

// FakeClientIo captures what the router forwards downstream.
type FakeClientIo struct {
	Replies  [][]byte
	Killed   bool
	KillErr  *mysql.SQLError
	ReplyErr error
}

func (f *FakeClientIo) Reply(packet []byte) error {
	if f.ReplyErr != nil {
		return f.ReplyErr
	}
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.Replies = append(f.Replies, cp)
	return nil
}

func (f *FakeClientIo) Kill(err *mysql.SQLError) {
	f.Killed = true
	f.KillErr = err
}

// Bytes concatenates everything forwarded to the client.
func (f *FakeClientIo) Bytes() []byte {
	var out []byte
	for _, r := range f.Replies {
		out = append(out, r...)
	}
	return out
}

// ManualScheduler collects delayed callbacks and fires them on demand.
type ManualScheduler struct {
	Pending []func()
	Delays  []time.Duration
}

func (s *ManualScheduler) Delay(d time.Duration, fn func()) {
	s.Delays = append(s.Delays, d)
	s.Pending = append(s.Pending, fn)
}

// FireAll runs and clears the scheduled callbacks.
func (s *ManualScheduler) FireAll() {
	pending := s.Pending
	s.Pending = nil
	for _, fn := range pending {
		fn()
	}
}
