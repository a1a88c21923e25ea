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

// Package body 实现请求/响应 body 的三种转发模式: Fixed / Chunked / UntilClose
//
// 三种模式都接受一个 source 一个 sink 和一个 deadline 每一次底层 read/write
// 都受 budget(readCap)/budget(writeCap) 限制 见 SPEC_FULL.md §4.C
package body

import (
	"bufio"
	"bytes"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/packetd/rproxyd/common"
	"github.com/packetd/rproxyd/deadline"
	"github.com/packetd/rproxyd/internal/bufpool"
)

var (
	// ErrTimeout 表示某次 read/write 超出了预算
	ErrTimeout = errors.New("body: timeout")

	// ErrPeerClosed 表示数据流在预期字节数之前提前结束
	ErrPeerClosed = errors.New("body: peer closed mid-frame")

	// ErrChunkSize 表示 chunk-size 行无法被解析为合法的十六进制长度
	ErrChunkSize = errors.New("body: invalid chunk size")
)

// Source 是 body 转发的读取端: 一条连接加上它正在使用的缓冲 reader
//
// 复用调用方已有的 *bufio.Reader 而不是重新包一层, 这样 header 解析阶段
// 多读到但还没消费的字节 (下一个 chunk 的开头, 甚至下一个 pipelined 请求)
// 不会丢失
type Source interface {
	Conn() net.Conn
	Buffered() *bufio.Reader
}

func setReadDeadline(src Source, dl deadline.Deadline, readCap time.Duration) (time.Duration, error) {
	budget := dl.Budget(readCap)
	if budget <= 0 {
		return 0, ErrTimeout
	}
	if err := src.Conn().SetReadDeadline(time.Now().Add(budget)); err != nil {
		return 0, errors.Wrap(err, "body: set read deadline")
	}
	return budget, nil
}

func setWriteDeadline(dst net.Conn, dl deadline.Deadline, writeCap time.Duration) error {
	budget := dl.Budget(writeCap)
	if budget <= 0 {
		return ErrTimeout
	}
	return errors.Wrap(dst.SetWriteDeadline(time.Now().Add(budget)), "body: set write deadline")
}

func classifyReadErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrTimeout
	}
	return ErrPeerClosed
}

func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrTimeout
	}
	return err
}

// writeAll 把 p 全部写到 dst 上 每次调用前都会刷新一次 deadline
func writeAll(dst net.Conn, dl deadline.Deadline, writeCap time.Duration, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := setWriteDeadline(dst, dl, writeCap); err != nil {
		return err
	}
	_, err := dst.Write(p)
	return classifyWriteErr(err)
}

// Fixed 转发恰好 n 字节 每次读写不超过 internal/bufpool 提供的 scratch buffer 大小
func Fixed(dl deadline.Deadline, readCap, writeCap time.Duration, src Source, dst net.Conn, n int64) error {
	if n <= 0 {
		return nil
	}

	scratch, release := bufpool.GetBytes(common.BodyBufferSize)
	defer release()

	left := n
	for left > 0 {
		want := int64(len(scratch))
		if want > left {
			want = left
		}

		if _, err := setReadDeadline(src, dl, readCap); err != nil {
			return err
		}
		nr, err := src.Buffered().Read(scratch[:want])
		if nr > 0 {
			if werr := writeAll(dst, dl, writeCap, scratch[:nr]); werr != nil {
				return werr
			}
			left -= int64(nr)
		}
		if err != nil {
			if left > 0 {
				return classifyReadErr(err)
			}
			break
		}
	}
	return nil
}

// Chunked 转发 chunked 编码的 body 直到遇到末尾的 0 大小块和 trailer
//
// chunk-size 行在被解析前就会原样转发给下游: 这意味着如果大小本身不合法
// 下游已经看到了这些字节 —— 这是刻意不做缓冲校验的结果 与原型实现一致
func Chunked(dl deadline.Deadline, readCap, writeCap time.Duration, src Source, dst net.Conn) error {
	for {
		line, err := readLine(src, dl, readCap)
		if len(line) > 0 {
			if werr := writeAll(dst, dl, writeCap, line); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}

		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}

		if size == 0 {
			trailer, err := readTrailer(src, dl, readCap)
			if len(trailer) > 0 {
				if werr := writeAll(dst, dl, writeCap, trailer); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			return nil
		}

		if err := Fixed(dl, readCap, writeCap, src, dst, size+2); err != nil {
			return err
		}
	}
}

// UntilClose 转发数据直到来源报告 EOF 用于既无 Content-Length 也无
// Transfer-Encoding 的响应 结束后半关闭 dst 的写端
func UntilClose(dl deadline.Deadline, readCap, writeCap time.Duration, src Source, dst net.Conn) error {
	scratch, release := bufpool.GetBytes(common.BodyBufferSize)
	defer release()

	for {
		if _, err := setReadDeadline(src, dl, readCap); err != nil {
			halfCloseWrite(dst)
			return nil
		}
		nr, err := src.Buffered().Read(scratch)
		if nr > 0 {
			if werr := writeAll(dst, dl, writeCap, scratch[:nr]); werr != nil {
				halfCloseWrite(dst)
				return nil
			}
		}
		if err != nil {
			halfCloseWrite(dst)
			return nil
		}
	}
}

// halfCloseWrite 尽力半关闭 dst 的写端 任何错误都被吞掉
func halfCloseWrite(dst net.Conn) {
	type halfCloser interface {
		CloseWrite() error
	}
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}

func readLine(src Source, dl deadline.Deadline, readCap time.Duration) ([]byte, error) {
	if _, err := setReadDeadline(src, dl, readCap); err != nil {
		return nil, err
	}
	line, err := src.Buffered().ReadSlice('\n')
	out := append([]byte(nil), line...)
	if err != nil {
		return out, classifyReadErr(err)
	}
	return out, nil
}

// readTrailer 读取从当前位置到下一个 CRLFCRLF (含) 的全部字节
func readTrailer(src Source, dl deadline.Deadline, readCap time.Duration) ([]byte, error) {
	var trailer bytes.Buffer
	for {
		line, err := readLine(src, dl, readCap)
		trailer.Write(line)
		if err != nil {
			return trailer.Bytes(), err
		}
		if bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n")) {
			return trailer.Bytes(), nil
		}
	}
}

// parseChunkSize 解析 chunk-size 行, 取分号之前的十六进制前缀
func parseChunkSize(line []byte) (int64, error) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if idx := bytes.IndexByte(trimmed, ';'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	trimmed = bytes.TrimSpace(trimmed)
	if len(trimmed) == 0 {
		return 0, ErrChunkSize
	}

	var n int64
	for i, b := range trimmed {
		var v int64
		switch {
		case '0' <= b && b <= '9':
			v = int64(b - '0')
		case 'a' <= b && b <= 'f':
			v = int64(b-'a') + 10
		case 'A' <= b && b <= 'F':
			v = int64(b-'A') + 10
		default:
			return 0, ErrChunkSize
		}
		if i >= 15 {
			return 0, ErrChunkSize
		}
		n = n<<4 | v
	}
	return n, nil
}
