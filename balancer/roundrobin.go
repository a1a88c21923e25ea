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

package balancer

import (
	"sync/atomic"

	"github.com/packetd/rproxyd/backend"
)

// RoundRobin 按顺序轮流选出后端 计数器用原子操作维护 不加锁
type RoundRobin struct {
	backends []backend.Backend
	counter  uint64
}

// NewRoundRobin 返回一个按 backends 顺序轮询的 Balancer backends 不会被复制之外修改
func NewRoundRobin(backends []backend.Backend) *RoundRobin {
	cp := make([]backend.Backend, len(backends))
	copy(cp, backends)
	return &RoundRobin{backends: cp}
}

// Next 返回下一个后端 在多个 goroutine 间并发调用是安全的
func (r *RoundRobin) Next() backend.Backend {
	n := atomic.AddUint64(&r.counter, 1) - 1
	return r.backends[n%uint64(len(r.backends))]
}
