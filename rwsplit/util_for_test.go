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

	"github.com/stretchr/testify/require"

	"github.com/endink/go-rwsplit/cluster"
	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/rwsplit"
	"github.com/endink/go-rwsplit/testkit"
)

// fakeParser is a deterministic keyword classifier so session tests do
// not depend on the SQL parser package.
type fakeParser struct{}

func (fakeParser) Classify(packet []byte) (rwsplit.RouteInfo, error) {
	if len(packet) == 0 {
		return rwsplit.RouteInfo{}, errEmptyPacket
	}
	cmd := mysql.Command(packet)
	info := rwsplit.RouteInfo{Command: cmd}

	switch cmd {
	case mysql.ComQuery:
	case mysql.ComStmtPrepare:
		info.TypeMask = rwsplit.TypePrepareStmt
		return info, nil
	case mysql.ComStmtExecute:
		info.TypeMask = rwsplit.TypeExecStmt
		return info, nil
	case mysql.ComStmtClose:
		info.TypeMask = rwsplit.TypeSessionWrite | rwsplit.TypeDeallocPrepare
		return info, nil
	case mysql.ComInitDB:
		info.TypeMask = rwsplit.TypeSessionWrite
		return info, nil
	default:
		info.TypeMask = rwsplit.TypeWrite
		return info, nil
	}

	sql := strings.ToLower(strings.TrimSpace(string(packet[1:])))

	switch {
	case strings.HasPrefix(sql, "/*h:master*/"):
		info.Hint = rwsplit.Hint{Kind: rwsplit.HintRouteToMaster}
		sql = strings.TrimPrefix(sql, "/*h:master*/")
	case strings.HasPrefix(sql, "/*h:slave*/"):
		info.Hint = rwsplit.Hint{Kind: rwsplit.HintRouteToSlave}
		sql = strings.TrimPrefix(sql, "/*h:slave*/")
	}
	sql = strings.TrimSpace(sql)

	if strings.Count(sql, ";") > 0 && !strings.HasSuffix(strings.TrimRight(sql, " "), ";") {
		info.MultiStatement = true
	}

	switch {
	case strings.HasPrefix(sql, "select last_insert_id"):
		info.TypeMask |= rwsplit.TypeRead | rwsplit.TypeMasterRead
	case strings.HasPrefix(sql, "select @@"):
		info.TypeMask |= rwsplit.TypeSysVarRead | rwsplit.TypeRead
	case strings.HasPrefix(sql, "select"):
		info.TypeMask |= rwsplit.TypeRead
	case strings.HasPrefix(sql, "insert"), strings.HasPrefix(sql, "update"), strings.HasPrefix(sql, "delete"):
		info.TypeMask |= rwsplit.TypeWrite
	case strings.HasPrefix(sql, "begin"), strings.HasPrefix(sql, "start transaction"):
		info.TypeMask |= rwsplit.TypeBeginTrx
		if strings.Contains(sql, "read only") {
			info.TypeMask |= rwsplit.TypeReadOnly
		}
	case strings.HasPrefix(sql, "commit"):
		info.TypeMask |= rwsplit.TypeCommit
	case strings.HasPrefix(sql, "rollback"):
		info.TypeMask |= rwsplit.TypeRollback
	case strings.HasPrefix(sql, "set autocommit=0"):
		info.TypeMask |= rwsplit.TypeSessionWrite | rwsplit.TypeDisableAutocommit
	case strings.HasPrefix(sql, "set autocommit=1"):
		info.TypeMask |= rwsplit.TypeSessionWrite | rwsplit.TypeEnableAutocommit
	case strings.HasPrefix(sql, "set transaction"):
		info.TypeMask |= rwsplit.TypeSessionWrite | rwsplit.TypeNextTrx
		if strings.Contains(sql, "read only") {
			info.TypeMask |= rwsplit.TypeReadOnly
		}
	case strings.HasPrefix(sql, "set"):
		info.TypeMask |= rwsplit.TypeSessionWrite
	case strings.HasPrefix(sql, "use"):
		info.TypeMask |= rwsplit.TypeSessionWrite
	case strings.HasPrefix(sql, "call"):
		info.TypeMask |= rwsplit.TypeCall | rwsplit.TypeWrite
	default:
		info.TypeMask |= rwsplit.TypeWrite
	}
	return info, nil
}

var errEmptyPacket = mysql.NewSQLError(mysql.CRUnknownError, mysql.SSUnknownSQLState, "empty packet")

// fixture wires a session against scripted fakes: one master and two
// replicas.
type fixture struct {
	t       *testing.T
	cfg     *rwsplit.Config
	servers map[string]*cluster.Server
	session *rwsplit.Session
	client  *testkit.FakeClientIo
	conn    *testkit.FakeConnector
	sched   *testkit.ManualScheduler
	stats   *rwsplit.Stats
}

func newFixture(t *testing.T, mutate func(cfg *rwsplit.Config)) *fixture {
	cfg := rwsplit.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	master := cluster.NewServer("master1", "10.0.0.1:3306")
	master.SetRole(cluster.RoleMaster)
	replica1 := cluster.NewServer("replica1", "10.0.0.2:3306")
	replica1.SetRole(cluster.RoleSlave)
	replica1.SetRank(2)
	replica2 := cluster.NewServer("replica2", "10.0.0.3:3306")
	replica2.SetRole(cluster.RoleSlave)
	replica2.SetRank(1)

	fx := &fixture{
		t:   t,
		cfg: cfg,
		servers: map[string]*cluster.Server{
			"master1":  master,
			"replica1": replica1,
			"replica2": replica2,
		},
		client: &testkit.FakeClientIo{},
		conn:   testkit.NewFakeConnector(),
		sched:  &testkit.ManualScheduler{},
		stats:  rwsplit.NewStats(),
	}

	session, err := rwsplit.NewSession(cfg,
		[]*cluster.Server{master, replica1, replica2},
		fakeParser{}, fx.client, fx.conn, fx.sched, fx.stats)
	require.NoError(t, err)
	fx.session = session
	return fx
}

// backend returns the session's handle for the named server.
func (fx *fixture) backend(name string) *rwsplit.Backend {
	for _, b := range fx.session.Backends() {
		if b.Name() == name {
			return b
		}
	}
	fx.t.Fatalf("no backend named %s", name)
	return nil
}

// io returns the fake connection opened to the named server.
func (fx *fixture) io(name string) *testkit.FakeBackendIo {
	io := fx.conn.Io(name)
	require.NotNil(fx.t, io, "no connection was opened to %s", name)
	return io
}

// route sends a COM_QUERY through the session.
func (fx *fixture) route(sql string) {
	require.NoError(fx.t, fx.session.RouteQuery(testkit.Query(sql)))
}

// reply delivers a complete response from the named server.
func (fx *fixture) reply(name string, data []byte, reply *mysql.Reply) {
	require.NoError(fx.t, fx.session.ClientReply(fx.backend(name), data, reply))
}

// ok delivers a complete OK packet for COM_QUERY from the named server.
func (fx *fixture) ok(name string) {
	fx.reply(name, mysql.MakeOKPacket(), testkit.OKReply(mysql.ComQuery))
}
