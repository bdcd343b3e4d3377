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

package parser

import (
	"strings"

	"github.com/pingcap/parser/format"

	"github.com/endink/go-rwsplit/rwsplit"
)

// Routing hints ride in a leading comment:
//
//	/* rwsplit route to master */ SELECT ...
//	-- rwsplit route to server replica2
//
// Unknown hints are ignored.
func parseHint(sql string) rwsplit.Hint {
	comment := leadingComment(sql)
	if comment == "" {
		return rwsplit.Hint{}
	}
	fields := strings.Fields(strings.ToLower(comment))
	if len(fields) < 3 || fields[0] != "rwsplit" || fields[1] != "route" || fields[2] != "to" {
		return rwsplit.Hint{}
	}
	rest := fields[3:]
	if len(rest) == 0 {
		return rwsplit.Hint{}
	}
	switch rest[0] {
	case "master", "primary":
		return rwsplit.Hint{Kind: rwsplit.HintRouteToMaster}
	case "slave", "replica":
		return rwsplit.Hint{Kind: rwsplit.HintRouteToSlave}
	case "last":
		return rwsplit.Hint{Kind: rwsplit.HintRouteToLastUsed}
	case "all":
		return rwsplit.Hint{Kind: rwsplit.HintRouteToAll}
	case "uptodate":
		return rwsplit.Hint{Kind: rwsplit.HintRouteToUptodate}
	case "server":
		if len(rest) > 1 {
			// Preserve the original case of the server name.
			name := originalToken(comment, rest[1])
			return rwsplit.Hint{Kind: rwsplit.HintRouteToNamed, Target: name}
		}
	}
	return rwsplit.Hint{}
}

// leadingComment extracts the text of a comment that starts the
// statement.
func leadingComment(sql string) string {
	s := strings.TrimSpace(sql)
	if strings.HasPrefix(s, "/*") {
		if end := strings.Index(s, "*/"); end > 0 {
			return strings.TrimSpace(s[2:end])
		}
		return ""
	}
	if strings.HasPrefix(s, "--") {
		line := s[2:]
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		return strings.TrimSpace(line)
	}
	return ""
}

// originalToken finds the token in the comment with its original case.
func originalToken(comment, lowered string) string {
	for _, tok := range strings.Fields(comment) {
		if strings.ToLower(tok) == lowered {
			return tok
		}
	}
	return lowered
}

func restoreCtx(sb *strings.Builder) *format.RestoreCtx {
	return format.NewRestoreCtx(format.DefaultRestoreFlags, sb)
}
