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

// Package framing 实现 HTTP/1.1 起始行 + header 块的读取与切分
//
// 解析本身不做 RFC-9112 完整校验: 只按空白切分起始行取前三个 token
// 按第一个 ':' 切分 header 行 字段名小写 值 trim 后小写 这与原型实现保持一致
// 见 SPEC_FULL.md §4.B
package framing

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/packetd/rproxyd/deadline"
	"github.com/packetd/rproxyd/internal/splitio"
)

// 错误分类 对应 SPEC_FULL.md §7 的 error kind 分类
var (
	// ErrTimeout 表示某次 I/O 超出了其预算
	ErrTimeout = errors.New("framing: timeout")

	// ErrPeerClosed 表示对端在 CRLFCRLF 之前关闭了连接
	ErrPeerClosed = errors.New("framing: peer closed before header terminator")

	// ErrMalformed 表示起始行或某个 header 行无法被正确切分
	ErrMalformed = errors.New("framing: malformed start-line or header line")

	// ErrHeadersTooLarge 表示 header 块超出了允许的最大字节数
	ErrHeadersTooLarge = errors.New("framing: headers exceed maximum size")
)

// Headers 是小写字段名到 trim+小写后的值的映射
//
// 顺序不保留 重复 header 不合并 以最后一次出现的为准 这与原型实现一致
// 仅 content-length / transfer-encoding / connection 会被消费 其余一律
// 作为不透明字节随 Raw 原样转发
type Headers map[string]string

// Get 返回 header 的值 key 会被调用方以小写形式传入 (符合 Headers 的存储约定)
func (h Headers) Get(key string) (string, bool) {
	v, ok := h[key]
	return v, ok
}

// Message 是一次 ReadHeaders 调用的结果
type Message struct {
	// Method 对请求而言是方法 对响应而言是 "HTTP/1.1"
	Method string
	// Target 对请求而言是 path 对响应而言是状态码的文本形式
	Target string
	// Version 对请求而言是 HTTP 版本 对响应而言是起始行的第一个 token (协议版本)
	Version string
	Headers Headers
	// Raw 是从起始行到终止 CRLFCRLF (含) 的原始字节 这是真正会被转发到对端的内容
	Raw []byte
	// StatusCode 仅在解析响应时尝试填充 解析失败不会中止 exchange 只是记录为 0
	StatusCode int
}

// Reader 在一条连接上复用同一个 bufio.Reader 读取 header 与 body
//
// 复用同一个 Reader 很关键: 如果对端把 chunked body 的末尾 0 字节块与下一个
// pipelined 请求放在同一个 TCP segment 里 分别对 header 和 body 使用独立的
// 无缓冲读取会把属于下一个请求的字节吞掉 见 SPEC_FULL.md §9 的 OPEN QUESTION
type Reader struct {
	conn net.Conn
	br   *bufio.Reader
}

// NewReader 返回一个包装了 net.Conn 的 Reader maxHeaderBytes 决定内部缓冲区大小
func NewReader(conn net.Conn, maxHeaderBytes int) *Reader {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = 64 * 1024
	}
	return &Reader{conn: conn, br: bufio.NewReaderSize(conn, maxHeaderBytes)}
}

// Buffered 返回底层 bufio.Reader 以便 body 包在同一连接上继续读取
func (r *Reader) Buffered() *bufio.Reader {
	return r.br
}

// Conn 返回底层连接 用于设置写超时或做 liveness 探测
func (r *Reader) Conn() net.Conn {
	return r.conn
}

// kindOf 把底层 I/O 错误归类为本包定义的 sentinel 错误
func kindOf(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrTimeout
	}
	return ErrPeerClosed
}

// ReadHeaders 读取起始行 + header 块直到 CRLFCRLF
//
// isRequest 为 true 时按请求解析 (method path version) 为 false 时按响应解析
// (version status-code reason); 整个 header 块的读取共用 dl.Budget(opCap) 这一份时间预算
// maxBytes 是 header 块允许的最大字节数
func (r *Reader) ReadHeaders(dl deadline.Deadline, opCap time.Duration, maxBytes int, isRequest bool) (*Message, error) {
	budget := dl.Budget(opCap)
	if budget <= 0 {
		return nil, ErrTimeout
	}
	if err := r.conn.SetReadDeadline(time.Now().Add(budget)); err != nil {
		return nil, errors.Wrap(err, "framing: set read deadline")
	}

	var raw bytes.Buffer
	var startLine []byte
	headers := make(Headers)

	for {
		line, err := r.br.ReadSlice('\n')
		if len(line) > 0 {
			if raw.Len()+len(line) > maxBytes {
				return nil, ErrHeadersTooLarge
			}
			raw.Write(line)
		}

		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, ErrHeadersTooLarge
			}
			return nil, kindOf(err)
		}

		if startLine == nil {
			startLine = append([]byte(nil), line...)
			continue
		}

		if isBlankLine(line) {
			break
		}

		if err := parseHeaderLine(line, headers); err != nil {
			return nil, err
		}
	}

	msg, err := parseStartLine(startLine, isRequest)
	if err != nil {
		return nil, err
	}
	msg.Headers = headers
	msg.Raw = raw.Bytes()
	return msg, nil
}

func isBlankLine(line []byte) bool {
	return bytes.Equal(line, splitio.CharCRLF) || bytes.Equal(line, splitio.CharLF)
}

// parseStartLine 切分起始行为以空白分隔的 token
//
// 请求起始行必须恰好切出 method/target/version 三个 token 否则视为 malformed
// 响应起始行只是为了提取 StatusCode 供日志/指标使用 从不中止 exchange: 原型
// 实现从不对响应起始行分词校验 只透传原始字节 reason phrase 甚至整个状态码
// 都允许缺失 见 SPEC_FULL.md §4.B
func parseStartLine(line []byte, isRequest bool) (*Message, error) {
	trimmed := strings.TrimRight(string(line), "\r\n")
	fields := strings.Fields(trimmed)

	if isRequest {
		if len(fields) < 3 {
			return nil, ErrMalformed
		}
		return &Message{Method: fields[0], Target: fields[1], Version: fields[2]}, nil
	}

	// 响应起始行: HTTP/1.1 <status> <reason...>
	msg := &Message{Method: "HTTP/1.1"}
	if len(fields) > 0 {
		msg.Version = fields[0]
	}
	if len(fields) > 1 {
		msg.Target = fields[1]
		if code, err := parseStatusCode(fields[1]); err == nil {
			msg.StatusCode = code
		}
	}
	return msg, nil
}

func parseStatusCode(s string) (int, error) {
	n := 0
	if len(s) == 0 {
		return 0, ErrMalformed
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrMalformed
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// parseHeaderLine 按第一个 ':' 切分 field 小写 value trim+小写
func parseHeaderLine(line []byte, headers Headers) error {
	trimmed := bytes.TrimRight(line, "\r\n")
	idx := bytes.IndexByte(trimmed, ':')
	if idx < 0 {
		return ErrMalformed
	}
	field := strings.ToLower(strings.TrimSpace(string(trimmed[:idx])))
	value := strings.ToLower(strings.TrimSpace(string(trimmed[idx+1:])))
	if !httpguts.ValidHeaderFieldName(field) {
		return ErrMalformed
	}
	// value 本身不做校验: 规范要求除 content-length/transfer-encoding/connection
	// 外的所有 header 原样透传, 不对字节内容做合法性判断
	headers[field] = value
	return nil
}
