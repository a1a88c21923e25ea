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

package common

const (
	// App 应用程序名称
	App = "rproxyd"

	// Version 应用程序版本
	Version = "v0.1.0"

	// BodyBufferSize 转发 body 时单次 read/write 使用的缓冲区大小
	//
	// 对每条连接都申请这么大的缓冲区会造成明显的内存开销 因此缓冲区由
	// internal/bufpool 池化复用 而不是每次转发都重新分配
	BodyBufferSize = 256 * 1024

	// MaxHeaderBytes 允许的单个请求/响应 header 块最大字节数
	//
	// 规范本身没有强制要求此上限 但生产环境必须要有一个兜底值 防止
	// 恶意或异常的对端通过无穷无尽不带 CRLFCRLF 的数据占满内存
	MaxHeaderBytes = 64 * 1024

	// DefaultMaxIdleConnsPerBackend 每个后端默认保留的最大空闲连接数
	DefaultMaxIdleConnsPerBackend = 100

	// DefaultAcceptBacklog 监听 socket 的默认 backlog
	DefaultAcceptBacklog = 8192
)
