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

// Package admission 实现全局客户端信号量和按后端划分的信号量
//
// 两者都是缓冲 channel of struct{} 这是 Go 里计数信号量的常规写法
// 见 SPEC_FULL.md §4.F
package admission

import (
	"context"
	"sync"

	"github.com/packetd/rproxyd/backend"
)

// Semaphore 是一个容量固定的计数信号量
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore 返回容量为 capacity 的信号量 capacity <= 0 视为无限制 (nil slots)
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire 阻塞直到获得一个槽位, 或者 ctx 被取消/deadline 到期
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire 非阻塞地尝试获得一个槽位
func (s *Semaphore) TryAcquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release 归还一个槽位
func (s *Semaphore) Release() {
	if s.slots == nil {
		return
	}
	<-s.slots
}

// InUse 返回当前占用的槽位数 供 metrics 采集
func (s *Semaphore) InUse() int {
	return len(s.slots)
}

// Capacity 返回信号量的总容量 0 表示无限制
func (s *Semaphore) Capacity() int {
	return cap(s.slots)
}

// Gates 聚合全局客户端信号量和每个后端各自的信号量
type Gates struct {
	Client *Semaphore

	mu       sync.Mutex
	perUp    map[uint64]*Semaphore
	upLimit  int
	backends map[uint64]backend.Backend
}

// NewGates 构造准入控制集合 clientLimit 是全局并发客户端上限
// upstreamLimit 是每个后端各自的并发上限 二者 <= 0 都表示不限制
func NewGates(clientLimit, upstreamLimit int) *Gates {
	return &Gates{
		Client:   NewSemaphore(clientLimit),
		perUp:    make(map[uint64]*Semaphore),
		upLimit:  upstreamLimit,
		backends: make(map[uint64]backend.Backend),
	}
}

// Upstream 返回 b 对应的信号量, 首次访问时按 upLimit 惰性创建
func (g *Gates) Upstream(b backend.Backend) *Semaphore {
	key := b.Key()

	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.perUp[key]
	if !ok {
		s = NewSemaphore(g.upLimit)
		g.perUp[key] = s
		g.backends[key] = b
	}
	return s
}

// Snapshot 返回当前所有已知后端信号量的占用情况 供 metrics 采集
func (g *Gates) Snapshot() map[backend.Backend]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[backend.Backend]int, len(g.perUp))
	for key, s := range g.perUp {
		out[g.backends[key]] = s.InUse()
	}
	return out
}
