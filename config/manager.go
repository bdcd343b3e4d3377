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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/config"

	"github.com/endink/go-rwsplit/config/source"
	"github.com/endink/go-rwsplit/logging"
)

var logger = logging.GetLogger("config")

var (
	errNoServers = errors.New("no servers configured")
	errBadServer = errors.New("invalid server entry")
	errNoSource  = errors.New("no configuration source found")
)

// Manager loads the proxy configuration from the configured provider.
type Manager struct {
	Provider string
	// Etcd holds the remote source settings when Provider is "etcd".
	Etcd EtcdSettings
}

// EtcdSettings configure the etcd configuration source.
type EtcdSettings struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Root     string `yaml:"root"`
}

// NewManager reads the boot configuration from the default file
// locations.
func NewManager() *Manager {
	var sources []config.YAMLOption

	for _, f := range defaultFileLocations() {
		if fileExists(f) {
			sources = append(sources, config.File(f))
			logger.Infof("[Found]: %s", f)
		} else {
			logger.Debugf("[Not Found]: %s", f)
		}
	}

	m := &Manager{
		Provider: "file",
	}

	if len(sources) > 0 {
		var err error
		var yaml *config.YAML
		if yaml, err = config.NewYAML(sources...); err == nil {
			err = yaml.Get("config").Populate(m)
		}
		if err != nil {
			logger.Warnf("Load boot config file fault: %v", err)
		}
	}

	return m
}

// Load populates the proxy configuration from the selected provider.
func (m *Manager) Load() (*Proxy, error) {
	switch m.Provider {
	case "etcd":
		return m.loadFromEtcd()
	default:
		return m.loadFromFiles()
	}
}

func (m *Manager) loadFromFiles() (*Proxy, error) {
	var sources []config.YAMLOption
	for _, f := range defaultFileLocations() {
		if fileExists(f) {
			sources = append(sources, config.File(f))
		}
	}
	if len(sources) == 0 {
		return nil, errNoSource
	}
	yaml, err := config.NewYAML(sources...)
	if err != nil {
		return nil, err
	}
	proxy := Default()
	if err := yaml.Get("proxy").Populate(proxy); err != nil {
		return nil, err
	}
	if err := proxy.Validate(); err != nil {
		return nil, err
	}
	return proxy, nil
}

func (m *Manager) loadFromEtcd() (*Proxy, error) {
	src, err := source.NewEtcdSource(m.Etcd.Addr, 10*time.Second, m.Etcd.Username, m.Etcd.Password, m.Etcd.Root)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	data, err := src.Read("config.yaml")
	if err != nil {
		return nil, err
	}
	yaml, err := config.NewYAML(config.Source(strings.NewReader(string(data))))
	if err != nil {
		return nil, err
	}
	proxy := Default()
	if err := yaml.Get("proxy").Populate(proxy); err != nil {
		return nil, err
	}
	if err := proxy.Validate(); err != nil {
		return nil, err
	}
	return proxy, nil
}

func defaultFileLocations() []string {
	files := []string{
		"/etc/go-rwsplit/config.yaml",
		"/etc/go-rwsplit/config.yml",
	}
	if dir, err := os.Getwd(); err == nil {
		files = append(files, filepath.Join(dir, "config.yaml"))
	} else {
		files = append(files, "config.yaml")
	}
	return files
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
