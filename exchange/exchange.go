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

// Package exchange 编排一次完整的 客户端<->上游 HTTP 往返
//
// 一次 Run 调用对应状态机: Idle -> ReadReqHdr -> AcquireBackend -> SendReqHdr
// -> (SendReqBody?) -> ReadRespHdr -> SendRespHdr -> SendRespBody -> Release
// -> Idle 终止状态为 ResponseSent / Send502 / Send504 / ClientGone
// 见 SPEC_FULL.md §4.G
package exchange

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/packetd/rproxyd/admission"
	"github.com/packetd/rproxyd/backend"
	"github.com/packetd/rproxyd/balancer"
	"github.com/packetd/rproxyd/body"
	"github.com/packetd/rproxyd/deadline"
	"github.com/packetd/rproxyd/framing"
	"github.com/packetd/rproxyd/logger"
	"github.com/packetd/rproxyd/metrics"
	"github.com/packetd/rproxyd/pool"
)

// errorResponseGrace 是写 502/504 字面量响应时使用的固定宽限期
//
// 这个写操作本身不受已经耗尽的 exchange deadline 约束 见 SPEC_FULL.md §5
const errorResponseGrace = 2 * time.Second

// Timeouts 是一次 exchange 各阶段使用的超时上限 全部已转换为 time.Duration
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Total   time.Duration
}

// Dialer 按 addr 和超时建立一条到上游的连接 可在测试中替换为 net.Pipe 工厂
type Dialer func(addr string, timeout time.Duration) (net.Conn, error)

// DialTCP 是生产环境使用的默认 Dialer 会对新建连接应用 TCP_NODELAY
func DialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// Config 聚合一次 exchange 需要的全部协作对象
type Config struct {
	Pool           *pool.Pool
	Balancer       balancer.Balancer
	Gates          *admission.Gates
	Timeouts       Timeouts
	MaxHeaderBytes int
	Dial           Dialer
}

// Run 执行恰好一次 exchange cr 是调用方持有的 client 连接的 framing.Reader
// (在整个 keep-alive 循环中复用, 见 SPEC_FULL.md §9) 返回值表示这条客户端
// 连接是否应该继续下一次 exchange
func Run(cfg *Config, clientConn net.Conn, cr *framing.Reader) (keepAlive bool) {
	dl := deadline.New(cfg.Timeouts.Total)
	exchangeID := uuid.NewString()

	// 步骤 2: 解析请求 header 任何失败 (包括超时) 都静默结束 keep-alive 循环
	reqMsg, err := cr.ReadHeaders(dl, cfg.Timeouts.Read, cfg.MaxHeaderBytes, true)
	if err != nil {
		return false
	}

	// 步骤 3: 选择后端
	b := cfg.Balancer.Next()

	// 步骤 4: 获取 UP[b] 信号量 在其作用域内尝试从池里取连接 否则拨号
	gateCtx, cancel := context.WithDeadline(context.Background(), dl.End())
	defer cancel()

	gate := cfg.Gates.Upstream(b)
	if err := gate.Acquire(gateCtx); err != nil {
		return false
	}
	defer gate.Release()

	upConn := acquireUpstream(cfg, b, dl)
	if upConn == nil {
		logger.Warnf("exchange dial failed: id=%s backend=%s method=%s path=%s", exchangeID, b, reqMsg.Method, reqMsg.Target)
		metrics.ExchangesTotal.WithLabelValues("502").Inc()
		writeErrorResponse(clientConn, badGateway)
		return false
	}

	released := false
	release := func(dead bool) {
		if released {
			return
		}
		released = true
		if dead {
			_ = upConn.Close()
			return
		}
		cfg.Pool.Release(b, upConn)
	}
	defer release(true)

	// 步骤 5: 原样转发请求 header 块
	if err := writeAll(upConn, dl, cfg.Timeouts.Write, reqMsg.Raw); err != nil {
		finishWithError(clientConn, exchangeID, reqMsg, b, err)
		return false
	}

	// 步骤 6: 按请求 header 指示的 framing 转发请求 body
	if err := forwardRequestBody(cfg, dl, reqMsg, cr, upConn); err != nil {
		finishWithError(clientConn, exchangeID, reqMsg, b, err)
		return false
	}

	// 步骤 7: 读取上游响应 header 转发并解析
	upReader := framing.NewReader(upConn, cfg.MaxHeaderBytes)
	respMsg, err := upReader.ReadHeaders(dl, cfg.Timeouts.Read, cfg.MaxHeaderBytes, false)
	if err != nil {
		finishWithError(clientConn, exchangeID, reqMsg, b, err)
		return false
	}
	if err := writeAll(clientConn, dl, cfg.Timeouts.Write, respMsg.Raw); err != nil {
		// 写往客户端失败: 响应已经开始发送 直接丢弃连接 不再尝试写错误响应
		release(true)
		return false
	}

	// 步骤 8: 转发响应 body
	untilClose, err := forwardResponseBody(cfg, dl, respMsg, upReader, clientConn)
	if err != nil {
		release(true)
		return false
	}

	// 步骤 9: 成功路径把上游连接交还连接池 (由池做存活检查)
	// 出错路径上 release(true) 或 defer 的 release(true) 直接关闭连接
	release(false)

	logger.Infof("exchange ok: id=%s backend=%s method=%s path=%s status=%d", exchangeID, b, reqMsg.Method, reqMsg.Target, respMsg.StatusCode)
	metrics.ExchangesTotal.WithLabelValues("ok").Inc()

	// 步骤 10: 决定是否保持连接
	if connectionClose(reqMsg.Headers) || connectionClose(respMsg.Headers) || untilClose {
		return false
	}
	return true
}

func acquireUpstream(cfg *Config, b backend.Backend, dl deadline.Deadline) net.Conn {
	if conn := cfg.Pool.Acquire(b); conn != nil {
		return conn
	}
	conn, err := cfg.Dial(b.Addr(), dl.Budget(cfg.Timeouts.Connect))
	if err != nil {
		return nil
	}
	return conn
}

// finishWithError 按 §7 的分类规则把一次转发失败归类为 504 或 502 并写出字面量响应
func finishWithError(clientConn net.Conn, exchangeID string, reqMsg *framing.Message, b backend.Backend, err error) {
	if isTimeout(err) {
		logger.Warnf("exchange timeout: id=%s backend=%s method=%s path=%s", exchangeID, b, reqMsg.Method, reqMsg.Target)
		metrics.ExchangesTotal.WithLabelValues("504").Inc()
		writeErrorResponse(clientConn, gatewayTimeout)
		return
	}
	logger.Warnf("exchange forwarding failed: id=%s backend=%s method=%s path=%s err=%v", exchangeID, b, reqMsg.Method, reqMsg.Target, err)
	metrics.ExchangesTotal.WithLabelValues("502").Inc()
	writeErrorResponse(clientConn, badGateway)
}

func isTimeout(err error) bool {
	return errors.Is(err, framing.ErrTimeout) || errors.Is(err, body.ErrTimeout)
}

// forwardRequestBody 依据请求 header 选择 Fixed/Chunked/无 body 的转发模式
func forwardRequestBody(cfg *Config, dl deadline.Deadline, reqMsg *framing.Message, cr *framing.Reader, upConn net.Conn) error {
	if n, ok := fixedLength(reqMsg.Headers); ok {
		return body.Fixed(dl, cfg.Timeouts.Read, cfg.Timeouts.Write, cr, upConn, n)
	}
	if isChunked(reqMsg.Headers) {
		return body.Chunked(dl, cfg.Timeouts.Read, cfg.Timeouts.Write, cr, upConn)
	}
	return nil
}

// forwardResponseBody 依据响应 header 选择 Fixed/Chunked/UntilClose 返回值
// untilClose 为 true 时调用方必须在本次 exchange 之后结束 keep-alive 循环
func forwardResponseBody(cfg *Config, dl deadline.Deadline, respMsg *framing.Message, upReader *framing.Reader, clientConn net.Conn) (untilClose bool, err error) {
	if n, ok := fixedLength(respMsg.Headers); ok {
		return false, body.Fixed(dl, cfg.Timeouts.Read, cfg.Timeouts.Write, upReader, clientConn, n)
	}
	if isChunked(respMsg.Headers) {
		return false, body.Chunked(dl, cfg.Timeouts.Read, cfg.Timeouts.Write, upReader, clientConn)
	}
	return true, body.UntilClose(dl, cfg.Timeouts.Read, cfg.Timeouts.Write, upReader, clientConn)
}

// fixedLength 解析 content-length 头 解析失败视为该头不存在, 不会中止 exchange
func fixedLength(h framing.Headers) (int64, bool) {
	v, ok := h.Get("content-length")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isChunked(h framing.Headers) bool {
	v, ok := h.Get("transfer-encoding")
	return ok && v == "chunked"
}

func connectionClose(h framing.Headers) bool {
	v, ok := h.Get("connection")
	return ok && v == "close"
}

// writeAll 把 p 全部写到 dst 上 用于转发 header 块
func writeAll(dst net.Conn, dl deadline.Deadline, writeCap time.Duration, p []byte) error {
	budget := dl.Budget(writeCap)
	if budget <= 0 {
		return framing.ErrTimeout
	}
	if err := dst.SetWriteDeadline(time.Now().Add(budget)); err != nil {
		return err
	}
	_, err := dst.Write(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return framing.ErrTimeout
		}
		return err
	}
	return nil
}

// writeErrorResponse 尽力写出一个字面量错误响应 不受已耗尽的 deadline 约束
func writeErrorResponse(conn net.Conn, payload []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(errorResponseGrace))
	_, _ = conn.Write(payload)
}
