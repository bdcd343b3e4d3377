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

package config

import (
	"github.com/endink/go-rwsplit/cluster"
	"github.com/endink/go-rwsplit/rwsplit"
	"github.com/endink/go-rwsplit/util"
)

// ServerConfig describes one upstream server.
type ServerConfig struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
	Role string `yaml:"role"`
	Rank int64  `yaml:"rank"`
}

// Proxy is the whole service configuration.
type Proxy struct {
	Listen      string         `yaml:"listen"`
	MetricsAddr string         `yaml:"metrics_addr"`
	LogLevel    string         `yaml:"log_level"`
	Servers     []ServerConfig `yaml:"servers"`
	Router      rwsplit.Config `yaml:"router"`
}

// Default returns a Proxy with usable defaults.
func Default() *Proxy {
	return &Proxy{
		Listen:      ":4006",
		MetricsAddr: ":9106",
		Router:      *rwsplit.DefaultConfig(),
	}
}

// Validate checks the configuration before the service starts.
func (p *Proxy) Validate() error {
	if len(p.Servers) == 0 {
		return util.Wrap(errNoServers, "configuration")
	}
	seen := make(map[string]bool, len(p.Servers))
	for _, s := range p.Servers {
		if s.Name == "" || s.Addr == "" {
			return util.Wrapf(errBadServer, "server '%s'", s.Name)
		}
		if seen[s.Name] {
			return util.Wrapf(errBadServer, "duplicate server '%s'", s.Name)
		}
		seen[s.Name] = true
	}
	return p.Router.Validate()
}

// BuildServers creates the cluster view from the configuration. The
// monitor refines roles afterwards; configured roles give the initial
// state.
func (p *Proxy) BuildServers() []*cluster.Server {
	servers := make([]*cluster.Server, 0, len(p.Servers))
	for _, sc := range p.Servers {
		srv := cluster.NewServer(sc.Name, sc.Addr)
		srv.SetRank(sc.Rank)
		switch sc.Role {
		case "master", "primary":
			srv.SetRole(cluster.RoleMaster)
		case "slave", "replica":
			srv.SetRole(cluster.RoleSlave)
		}
		servers = append(servers, srv)
	}
	return servers
}
