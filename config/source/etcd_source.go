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

package source

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coreos/etcd/client"
)

// ErrClosedEtcdSource means the etcd source was closed
var ErrClosedEtcdSource = errors.New("use of closed etcd source")

const defaultEtcdPrefix = "/go-rwsplit"

// EtcdSource reads configuration documents from an etcd cluster.
type EtcdSource struct {
	sync.Mutex
	kapi client.KeysAPI

	closed  bool
	timeout time.Duration
	Prefix  string
}

// NewEtcdSource connects to the etcd cluster at addr, a comma separated
// endpoint list.
func NewEtcdSource(addr string, timeout time.Duration, username, passwd, root string) (*EtcdSource, error) {
	endpoints := strings.Split(addr, ",")
	for i, s := range endpoints {
		if s != "" && !strings.HasPrefix(s, "http://") {
			endpoints[i] = "http://" + s
		}
	}
	cnf := client.Config{
		Endpoints:               endpoints,
		Transport:               client.DefaultTransport,
		Username:                username,
		Password:                passwd,
		HeaderTimeoutPerRequest: time.Second * 10,
	}
	c, err := client.New(cnf)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(root) == "" {
		root = defaultEtcdPrefix
	}
	return &EtcdSource{
		kapi:    client.NewKeysAPI(c),
		timeout: timeout,
		Prefix:  root,
	}, nil
}

// Read returns the value stored under the prefixed key.
func (c *EtcdSource) Read(key string) ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, ErrClosedEtcdSource
	}
	ctx, cancel := c.readContext()
	defer cancel()
	resp, err := c.kapi.Get(ctx, c.fullKey(key), nil)
	if err != nil {
		return nil, err
	}
	return []byte(resp.Node.Value), nil
}

// List returns the child keys under the prefixed path.
func (c *EtcdSource) List(path string) ([]string, error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, ErrClosedEtcdSource
	}
	ctx, cancel := c.readContext()
	defer cancel()
	resp, err := c.kapi.Get(ctx, c.fullKey(path), &client.GetOptions{Recursive: false})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Node.Nodes))
	for _, n := range resp.Node.Nodes {
		names = append(names, strings.TrimPrefix(n.Key, c.fullKey(path)+"/"))
	}
	return names, nil
}

// Close closes the source. Further reads fail.
func (c *EtcdSource) Close() error {
	c.Lock()
	defer c.Unlock()
	c.closed = true
	return nil
}

func (c *EtcdSource) fullKey(key string) string {
	return c.Prefix + "/" + strings.TrimPrefix(key, "/")
}

func (c *EtcdSource) readContext() (context.Context, context.CancelFunc) {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
