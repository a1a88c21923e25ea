// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"time"

	"github.com/packetd/rproxyd/backend"
	"github.com/packetd/rproxyd/common"
)

// BackendConfig 是配置文件里 upstreams 列表的一项
type BackendConfig struct {
	Host string `config:"host"`
	Port int    `config:"port"`
}

// TimeoutsConfig 对应配置文件的 timeouts 块 单位毫秒
type TimeoutsConfig struct {
	ConnectMs int `config:"connect_ms"`
	ReadMs    int `config:"read_ms"`
	WriteMs   int `config:"write_ms"`
	TotalMs   int `config:"total_ms"`
}

// LimitsConfig 对应配置文件的 limits 块
type LimitsConfig struct {
	MaxClientConns      int `config:"max_client_conns"`
	MaxConnsPerUpstream int `config:"max_conns_per_upstream"`
}

// PoolConfig 对应配置文件的 pool 块
type PoolConfig struct {
	MaxIdle int `config:"maxIdle"`
}

// BalancerConfig 对应配置文件的 balancer 块
type BalancerConfig struct {
	Policy  string         `config:"policy"`
	Options common.Options `config:"options"`
}

// Config 是 proxy 包的顶层配置 由 confengine 从 YAML 解码而来
type Config struct {
	Listen    string          `config:"listen"`
	Backlog   int             `config:"backlog"`
	Upstreams []BackendConfig `config:"upstreams"`
	Timeouts  TimeoutsConfig  `config:"timeouts"`
	Limits    LimitsConfig    `config:"limits"`
	Pool      PoolConfig      `config:"pool"`
	Balancer  BalancerConfig  `config:"balancer"`
}

func (c Config) backends() []backend.Backend {
	out := make([]backend.Backend, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		out = append(out, backend.Backend{Host: u.Host, Port: u.Port})
	}
	return out
}

func (c Config) timeouts() (connect, read, write, total time.Duration) {
	connect = msOrDefault(c.Timeouts.ConnectMs, time.Second)
	read = msOrDefault(c.Timeouts.ReadMs, 5*time.Second)
	write = msOrDefault(c.Timeouts.WriteMs, 5*time.Second)
	total = msOrDefault(c.Timeouts.TotalMs, 30*time.Second)
	return
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) listenAddr() string {
	if c.Listen == "" {
		return "127.0.0.1:8888"
	}
	return c.Listen
}
