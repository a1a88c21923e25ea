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

// Package listener 绑定监听 socket 为每个被接受的连接派生独立的 goroutine
//
// 见 SPEC_FULL.md §4.I
package listener

import (
	"context"
	"net"

	"github.com/packetd/rproxyd/admission"
	"github.com/packetd/rproxyd/common"
	"github.com/packetd/rproxyd/exchange"
	"github.com/packetd/rproxyd/internal/rescue"
	"github.com/packetd/rproxyd/keepalive"
	"github.com/packetd/rproxyd/logger"
)

// Listener 在一个地址上接受客户端连接并把每条连接派发给 keepalive.Run
type Listener struct {
	addr    string
	backlog int
	cfg     *exchange.Config
	client  *admission.Semaphore
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
}

// New 绑定 addr backlog <= 0 时使用 common.DefaultAcceptBacklog
func New(addr string, backlog int, cfg *exchange.Config, client *admission.Semaphore) *Listener {
	if backlog <= 0 {
		backlog = common.DefaultAcceptBacklog
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{addr: addr, backlog: backlog, cfg: cfg, client: client, ctx: ctx, cancel: cancel}
}

// Serve 绑定监听 socket 并开始接受连接 阻塞直到 Close 被调用或 Listen 失败
//
// backlog 只用于日志输出 不会传给 listen: net.ListenConfig 没有设置 backlog
// 的参数 实际的 accept 队列长度由 Go 运行时决定 (Linux 上取系统的 somaxconn)
func (l *Listener) Serve() error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(l.ctx, "tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	logger.Infof("listener accepting on %s (backlog=%d)", l.addr, l.backlog)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer rescue.HandleCrash()
	keepalive.Run(l.ctx, l.cfg, l.client, conn)
}

// Close 停止接受新连接 已经在途的 exchange 不会被强制取消 由它们自然收尾
func (l *Listener) Close() error {
	l.cancel()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Addr 返回实际监听地址 在使用随机端口 (":0") 测试时有用
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}
