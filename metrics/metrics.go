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

// Package metrics 暴露反向代理运行时状态的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/rproxyd/common"
)

var (
	// Uptime 进程启动以来经过的秒数
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "uptime",
			Help:      "Uptime in seconds",
		},
	)

	// BuildInfo 暴露版本/commit/构建时间作为 label
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "git_hash", "build_time"},
	)

	// ExchangesTotal 按结果 (ok/502/504) 统计完成的 exchange 总数
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "exchanges_total",
			Help:      "Completed exchanges total, labeled by outcome",
		},
		[]string{"outcome"},
	)

	// ClientConnsActive 当前存活的客户端连接数
	ClientConnsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "client_conns_active",
			Help:      "Active client connections",
		},
	)

	// ClientGateInUse 全局客户端信号量当前占用的槽位数
	ClientGateInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "client_gate_in_use",
			Help:      "Occupied slots of the global client admission semaphore",
		},
	)

	// UpstreamGateInUse 按后端统计 UP[b] 信号量当前占用的槽位数
	UpstreamGateInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "upstream_gate_in_use",
			Help:      "Occupied slots of the per-backend admission semaphore",
		},
		[]string{"backend"},
	)

	// PoolIdleConns 按后端统计空闲连接池当前大小
	PoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "pool_idle_conns",
			Help:      "Idle connections currently cached per backend",
		},
		[]string{"backend"},
	)

	// PanicTotal 各连接 goroutine 里被捕获的 panic 总数
	PanicTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "panic_total",
			Help:      "Recovered goroutine panics total",
		},
	)
)
