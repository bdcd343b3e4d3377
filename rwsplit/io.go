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
	"time"

	"github.com/endink/go-rwsplit/cluster"
	"github.com/endink/go-rwsplit/mysql"
)

// BackendIo is the protocol facade over one upstream connection. The
// protocol layer owns framing and authentication; the router only writes
// whole application layer packets and receives Reply events through
// Session.ClientReply.
type BackendIo interface {
	// Write sends one application layer packet upstream.
	Write(packet []byte) error
	// Close tears the connection down. Safe to call twice.
	Close()
	// LastError returns the last connection level error, nil if none.
	LastError() *mysql.SQLError
}

// Connector opens new upstream connections. Connecting is one of the
// session's suspension points; implementations may block.
type Connector interface {
	Connect(server *cluster.Server) (BackendIo, error)
}

// ClientIo is the downstream side of the session.
type ClientIo interface {
	// Reply forwards response bytes to the client.
	Reply(packet []byte) error
	// Kill terminates the client connection. A non nil err is delivered
	// to the client as a final ERR packet.
	Kill(err *mysql.SQLError)
}

// Scheduler integrates delayed retries with the surrounding runtime's
// reactor. The callback must run in the session's event context.
type Scheduler interface {
	Delay(d time.Duration, fn func())
}
