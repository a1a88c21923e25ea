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

// Package backend 定义上游后端的身份标识
package backend

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Backend 是一个 (host, port) 二元组 代表一个上游后端
//
// Backend 本身是不可变的 在启动时从配置构建 作为 pool 和 admission 内部
// map 的 key 贯穿进程的整个生命周期
type Backend struct {
	Host string
	Port int
}

// Addr 返回 "host:port" 形式 用于 net.Dial
func (b Backend) Addr() string {
	return b.Host + ":" + strconv.Itoa(b.Port)
}

func (b Backend) String() string {
	return b.Addr()
}

// Key 返回 Backend 的哈希值 用作分片键
//
// pool/admission 内部的 map 以这个 uint64 为键 而不是 "host:port" 字符串
// 摘要不做缓存: 每次调用都会重新对 host 和 port 计算一次 xxhash
func (b Backend) Key() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(b.Host)
	_, _ = d.Write([]byte{':'})
	_, _ = d.WriteString(strconv.Itoa(b.Port))
	return d.Sum64()
}
