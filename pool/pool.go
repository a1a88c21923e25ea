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

// Package pool 实现按后端分组的空闲连接池
//
// 每个后端各自持有一个 LIFO 栈 由独立的互斥锁保护 因此不同后端的
// acquire/release 彼此不会竞争 见 SPEC_FULL.md §4.D
package pool

import (
	"net"
	"sync"
	"time"

	"github.com/packetd/rproxyd/backend"
	"github.com/packetd/rproxyd/common"
)

// Pool 是所有后端共享的空闲连接池
type Pool struct {
	maxIdle int

	mu     sync.Mutex
	stacks map[uint64]*backendStack
}

// backendStack 是单个后端的 LIFO 空闲连接栈
type backendStack struct {
	mu    sync.Mutex
	conns []net.Conn
}

// New 返回一个按后端隔离的空闲连接池 maxIdle <= 0 时使用默认值
func New(maxIdle int) *Pool {
	if maxIdle <= 0 {
		maxIdle = common.DefaultMaxIdleConnsPerBackend
	}
	return &Pool{
		maxIdle: maxIdle,
		stacks:  make(map[uint64]*backendStack),
	}
}

func (p *Pool) stackFor(b backend.Backend) *backendStack {
	key := b.Key()

	p.mu.Lock()
	s, ok := p.stacks[key]
	if !ok {
		s = &backendStack{}
		p.stacks[key] = s
	}
	p.mu.Unlock()

	return s
}

// Acquire 从 b 对应的栈中弹出一个仍然存活的连接 栈为空或全部已死则返回 nil
//
// 存活性检查复用原型实现 reader.at_eof()/writer.is_closing() 的思路:
// 把读超时设为当前时间点 用一字节缓冲区做一次 Read 探测 如果立即返回数据
// 或者 EOF/其它错误 说明连接已经不可用
func (p *Pool) Acquire(b backend.Backend) net.Conn {
	s := p.stackFor(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.conns) > 0 {
		n := len(s.conns) - 1
		conn := s.conns[n]
		s.conns[n] = nil
		s.conns = s.conns[:n]

		if isAlive(conn) {
			return conn
		}
		_ = conn.Close()
	}
	return nil
}

// Release 把 conn 放回 b 对应的栈 栈已满或 conn 已不存活时直接关闭它
func (p *Pool) Release(b backend.Backend, conn net.Conn) {
	if conn == nil {
		return
	}
	if !isAlive(conn) {
		_ = conn.Close()
		return
	}

	s := p.stackFor(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.conns) >= p.maxIdle {
		_ = conn.Close()
		return
	}
	s.conns = append(s.conns, conn)
}

// Len 返回 b 当前的空闲连接数 供 metrics 采集使用
func (p *Pool) Len(b backend.Backend) int {
	s := p.stackFor(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// isAlive 对连接做非阻塞存活探测: 对端关闭或产生了未读数据都判定为不可复用
//
// 探测之后清除读超时 避免把探测用的 deadline 泄漏给下一个使用者
func isAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var buf [1]byte
	_, err := conn.Read(buf[:])
	if err == nil {
		// 在空闲连接上读到了数据: 对端提前发来了字节, 这条连接的帧边界
		// 已经不可信, 不能再复用
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
