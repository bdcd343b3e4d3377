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

// Package parser implements the statement classifier of the router on
// top of the pingcap SQL parser. The router itself only depends on the
// rwsplit.Parser interface; this package is the default implementation.
package parser

import (
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/parser"
	"github.com/pingcap/parser/ast"
	_ "github.com/pingcap/parser/test_driver"
	"github.com/scylladb/go-set/strset"

	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/rwsplit"
)

var log = logging.GetLogger("classifier")

// Classifier turns client packets into rwsplit.RouteInfo. One instance
// is shared by all sessions; the underlying parser is not safe for
// concurrent use, so each Classify call uses a fresh one.
type Classifier struct{}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify implements rwsplit.Parser.
func (c *Classifier) Classify(packet []byte) (rwsplit.RouteInfo, error) {
	if len(packet) == 0 {
		return rwsplit.RouteInfo{}, errors.New("empty packet")
	}

	info := rwsplit.RouteInfo{Command: mysql.Command(packet)}

	switch info.Command {
	case mysql.ComQuery:
		c.classifyQuery(string(packet[1:]), &info)
	case mysql.ComStmtPrepare:
		c.classifyQuery(string(packet[1:]), &info)
		info.TypeMask |= rwsplit.TypePrepareStmt
	case mysql.ComStmtExecute, mysql.ComStmtFetch:
		info.TypeMask = rwsplit.TypeExecStmt
	case mysql.ComStmtClose, mysql.ComStmtReset, mysql.ComStmtSendLongData:
		info.TypeMask = rwsplit.TypeSessionWrite | rwsplit.TypeDeallocPrepare
	case mysql.ComInitDB:
		info.TypeMask = rwsplit.TypeSessionWrite
	case mysql.ComQuit:
		info.TypeMask = rwsplit.TypeSessionWrite
	case mysql.ComPing, mysql.ComStatistics:
		info.TypeMask = rwsplit.TypeMasterRead
	case mysql.ComFieldList:
		info.TypeMask = rwsplit.TypeRead
	default:
		info.TypeMask = rwsplit.TypeWrite
	}
	return info, nil
}

// classifyQuery classifies COM_QUERY and COM_STMT_PREPARE text.
func (c *Classifier) classifyQuery(sql string, info *rwsplit.RouteInfo) {
	info.Hint = parseHint(sql)

	p := parser.New()
	stmts, _, err := p.Parse(sql, "", "")
	if err != nil || len(stmts) == 0 {
		// Statements the parser cannot handle are routed to the master,
		// which can always execute them.
		log.Debugf("unparseable statement routed to master: %v", err)
		info.TypeMask |= rwsplit.TypeWrite
		classifyByText(sql, info)
		return
	}
	if len(stmts) > 1 {
		info.MultiStatement = true
	}

	tables := strset.New()
	for _, stmt := range stmts {
		c.classifyStmt(stmt, sql, info, tables)
	}
	info.Tables = tables.List()

	classifyByText(sql, info)
}

func (c *Classifier) classifyStmt(stmt ast.StmtNode, sql string, info *rwsplit.RouteInfo, tables *strset.Set) {
	v := &classifyVisitor{info: info, tables: tables}

	switch n := stmt.(type) {
	case *ast.SelectStmt:
		info.TypeMask |= rwsplit.TypeRead
		stmt.Accept(v)
	case *ast.UnionStmt:
		info.TypeMask |= rwsplit.TypeRead
		stmt.Accept(v)
	case *ast.InsertStmt, *ast.UpdateStmt, *ast.DeleteStmt, *ast.LoadDataStmt:
		info.TypeMask |= rwsplit.TypeWrite
		stmt.Accept(v)
	case *ast.BeginStmt:
		info.TypeMask |= rwsplit.TypeBeginTrx
	case *ast.CommitStmt:
		info.TypeMask |= rwsplit.TypeCommit
	case *ast.RollbackStmt:
		info.TypeMask |= rwsplit.TypeRollback
	case *ast.SetStmt:
		c.classifySet(n, info)
	case *ast.UseStmt:
		info.TypeMask |= rwsplit.TypeSessionWrite
	case *ast.PrepareStmt:
		info.TypeMask |= rwsplit.TypeSessionWrite | rwsplit.TypePrepareNamed
		info.StmtName = n.Name
	case *ast.ExecuteStmt:
		info.TypeMask |= rwsplit.TypeExecStmt
		info.StmtName = n.Name
	case *ast.DeallocateStmt:
		info.TypeMask |= rwsplit.TypeSessionWrite | rwsplit.TypeDeallocPrepare
		info.StmtName = n.Name
	case *ast.ShowStmt:
		info.TypeMask |= rwsplit.TypeRead
		stmt.Accept(v)
	case *ast.ExplainStmt:
		info.TypeMask |= rwsplit.TypeRead
	case *ast.CreateTableStmt:
		info.TypeMask |= rwsplit.TypeWrite
		stmt.Accept(v)
	default:
		// DDL and administration statements run on the master.
		info.TypeMask |= rwsplit.TypeWrite
		stmt.Accept(v)
	}
}

// classifySet handles the SET statement variants that drive the
// transaction sub-machine.
func (c *Classifier) classifySet(n *ast.SetStmt, info *rwsplit.RouteInfo) {
	info.TypeMask |= rwsplit.TypeSessionWrite
	for _, v := range n.Variables {
		name := strings.ToLower(v.Name)
		switch {
		case !v.IsSystem:
			info.TypeMask |= rwsplit.TypeUserVarWrite
		case name == "autocommit":
			if isTruthy(exprText(v.Value)) {
				info.TypeMask |= rwsplit.TypeEnableAutocommit
			} else {
				info.TypeMask |= rwsplit.TypeDisableAutocommit
			}
		case v.IsGlobal:
			info.TypeMask |= rwsplit.TypeGlobalWrite
		}
	}
}

// classifyVisitor walks expressions for variable reads, master only
// functions and accessed tables.
type classifyVisitor struct {
	info   *rwsplit.RouteInfo
	tables *strset.Set
}

func (v *classifyVisitor) Enter(n ast.Node) (ast.Node, bool) {
	switch e := n.(type) {
	case *ast.VariableExpr:
		if e.IsSystem {
			v.info.TypeMask |= rwsplit.TypeSysVarRead
		} else if e.Value != nil {
			v.info.TypeMask |= rwsplit.TypeUserVarWrite
		} else {
			v.info.TypeMask |= rwsplit.TypeUserVarRead
		}
	case *ast.FuncCallExpr:
		switch e.FnName.L {
		case "last_insert_id", "get_lock", "release_lock", "is_free_lock", "is_used_lock", "found_rows", "row_count":
			// These only produce a meaningful answer on the node that
			// executed the preceding statement.
			v.info.TypeMask |= rwsplit.TypeMasterRead
		}
	case *ast.TableName:
		if e.Schema.L != "" {
			v.tables.Add(e.Schema.L + "." + e.Name.L)
		} else {
			v.tables.Add(e.Name.L)
		}
	}
	return n, false
}

func (v *classifyVisitor) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}

// classifyByText covers constructs the parser vintage cannot represent.
func classifyByText(sql string, info *rwsplit.RouteInfo) {
	normalized := strings.ToLower(strings.TrimSpace(sql))

	if strings.HasPrefix(normalized, "call ") {
		info.TypeMask |= rwsplit.TypeCall | rwsplit.TypeWrite
	}
	if strings.HasPrefix(normalized, "select") &&
		(strings.HasSuffix(normalized, "for update") || strings.Contains(normalized, "lock in share mode")) {
		// Locking reads take row locks and belong on the master.
		info.TypeMask |= rwsplit.TypeWrite
	}
	if strings.HasPrefix(normalized, "create temporary table") {
		info.TypeMask |= rwsplit.TypeCreateTmpTable
	}
	if strings.HasPrefix(normalized, "set transaction") {
		info.TypeMask |= rwsplit.TypeNextTrx
		if strings.Contains(normalized, "read only") {
			info.TypeMask |= rwsplit.TypeReadOnly
		}
		if strings.Contains(normalized, "read write") {
			info.TypeMask |= rwsplit.TypeReadWrite
		}
	}
	if (strings.HasPrefix(normalized, "start transaction") || strings.HasPrefix(normalized, "begin")) &&
		strings.Contains(normalized, "read only") {
		info.TypeMask |= rwsplit.TypeReadOnly
	}
}

func exprText(e ast.ExprNode) string {
	if e == nil {
		return ""
	}
	var sb strings.Builder
	if err := e.Restore(restoreCtx(&sb)); err != nil {
		return ""
	}
	return sb.String()
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.Trim(v, "'\"`")) {
	case "0", "off", "false":
		return false
	}
	return true
}
