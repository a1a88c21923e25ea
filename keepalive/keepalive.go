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

// Package keepalive 在一条客户端连接上串联背靠背的 exchange
//
// CLIENT 信号量在整条连接的生命周期内持有一次 而不是每次 exchange 各自获取
// 一个 framing.Reader 在本连接所有 exchange 间复用 保证 pipelined 字节不会
// 在 header/body 阶段切换时丢失 见 SPEC_FULL.md §4.H 和 §9
package keepalive

import (
	"context"
	"net"

	"github.com/packetd/rproxyd/admission"
	"github.com/packetd/rproxyd/exchange"
	"github.com/packetd/rproxyd/framing"
	"github.com/packetd/rproxyd/metrics"
)

// Run 在 conn 上背靠背地驱动 exchange 直到某次 exchange 要求结束连接
//
// 如果在 ctx 到期或被取消之前都没能获得全局 CLIENT 信号量 直接关闭连接并返回
func Run(ctx context.Context, cfg *exchange.Config, client *admission.Semaphore, conn net.Conn) {
	defer conn.Close()

	if err := client.Acquire(ctx); err != nil {
		return
	}
	defer client.Release()

	metrics.ClientConnsActive.Inc()
	defer metrics.ClientConnsActive.Dec()

	cr := framing.NewReader(conn, cfg.MaxHeaderBytes)
	for exchange.Run(cfg, conn, cr) {
	}
}
