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

// Package bufpool 池化转发 body 时使用的 scratch buffer
//
// 每条 exchange 都需要一块 BodyBufferSize 大小的缓冲区来搬运 Fixed/Chunked/
// UntilClose 模式下的数据 为每次转发都重新分配这块内存会带来明显的 GC 压力
// 这里复用 bytebufferpool 而不是手写 sync.Pool 封装
package bufpool

import "github.com/valyala/bytebufferpool"

var pool bytebufferpool.Pool

// Get 从池中取出一个 *bytebufferpool.ByteBuffer 内部字节切片可能为空或带有历史容量
func Get() *bytebufferpool.ByteBuffer {
	return pool.Get()
}

// Put 归还一个不再使用的 buffer 供后续复用
func Put(b *bytebufferpool.ByteBuffer) {
	b.Reset()
	pool.Put(b)
}

// GetBytes 返回一个至少有 size 容量的 []byte scratch 区域 以及归还它的 func
//
// 大多数调用方只需要一块固定大小的读写缓冲区 不关心 ByteBuffer 的增长语义
// 这个帮助函数把 Get/Put 和切片截断封装在一起 减少调用方样板代码
func GetBytes(size int) ([]byte, func()) {
	b := Get()
	if cap(b.B) < size {
		b.B = make([]byte, size)
	}
	buf := b.B[:size]
	return buf, func() { Put(b) }
}
