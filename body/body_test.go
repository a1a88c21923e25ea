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

package body

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/rproxyd/deadline"
)

type testSource struct {
	conn net.Conn
	br   *bufio.Reader
}

func newTestSource(conn net.Conn) *testSource {
	return &testSource{conn: conn, br: bufio.NewReader(conn)}
}

func (s *testSource) Conn() net.Conn          { return s.conn }
func (s *testSource) Buffered() *bufio.Reader { return s.br }

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

// drainInto reads from r until n bytes are collected, EOF, or any error.
func drainInto(r net.Conn, n int) []byte {
	buf := make([]byte, n)
	total := 0
	for total < n {
		nr, err := r.Read(buf[total:])
		total += nr
		if err != nil {
			break
		}
	}
	return buf[:total]
}

func discardUntilErr(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestFixedForwardsExactBytes(t *testing.T) {
	srcConn, srcWriter := pipePair(t)
	dstReader, dstConn := pipePair(t)

	go func() { _, _ = srcWriter.Write([]byte("hello")) }()

	done := make(chan []byte, 1)
	go func() { done <- drainInto(dstReader, 5) }()

	src := newTestSource(srcConn)
	err := Fixed(deadline.New(time.Second), 0, 0, src, dstConn, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), <-done)
}

func TestFixedZeroLength(t *testing.T) {
	srcConn, _ := pipePair(t)
	_, dstConn := pipePair(t)

	src := newTestSource(srcConn)
	err := Fixed(deadline.New(time.Second), 0, 0, src, dstConn, 0)
	require.NoError(t, err)
}

func TestFixedShortReadIsPeerClosed(t *testing.T) {
	srcConn, srcWriter := pipePair(t)
	_, dstConn := pipePair(t)

	go func() {
		_, _ = srcWriter.Write([]byte("ab"))
		_ = srcWriter.Close()
	}()
	go discardUntilErr(dstConn)

	src := newTestSource(srcConn)
	err := Fixed(deadline.New(time.Second), 0, 0, src, dstConn, 5)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestFixedTimeout(t *testing.T) {
	srcConn, _ := pipePair(t)
	_, dstConn := pipePair(t)
	go discardUntilErr(dstConn)

	src := newTestSource(srcConn)
	err := Fixed(deadline.New(20*time.Millisecond), 0, 0, src, dstConn, 5)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestChunkedForwardsVerbatim(t *testing.T) {
	srcConn, srcWriter := pipePair(t)
	dstReader, dstConn := pipePair(t)

	payload := "5\r\nhello\r\n0\r\n\r\n"
	go func() { _, _ = srcWriter.Write([]byte(payload)) }()

	done := make(chan []byte, 1)
	go func() { done <- drainInto(dstReader, len(payload)) }()

	src := newTestSource(srcConn)
	err := Chunked(deadline.New(time.Second), 0, 0, src, dstConn)
	require.NoError(t, err)
	assert.Equal(t, payload, string(<-done))
}

func TestChunkedMultipleChunksAndTrailer(t *testing.T) {
	srcConn, srcWriter := pipePair(t)
	dstReader, dstConn := pipePair(t)

	payload := "3\r\nfoo\r\n4\r\nbarz\r\n0\r\nX-Trailer: v\r\n\r\n"
	go func() { _, _ = srcWriter.Write([]byte(payload)) }()

	done := make(chan []byte, 1)
	go func() { done <- drainInto(dstReader, len(payload)) }()

	src := newTestSource(srcConn)
	err := Chunked(deadline.New(time.Second), 0, 0, src, dstConn)
	require.NoError(t, err)
	assert.Equal(t, payload, string(<-done))
}

func TestChunkedBadSizeForwardedThenErrors(t *testing.T) {
	srcConn, srcWriter := pipePair(t)
	dstReader, dstConn := pipePair(t)

	go func() { _, _ = srcWriter.Write([]byte("zz\r\n")) }()

	done := make(chan []byte, 1)
	go func() { done <- drainInto(dstReader, 4) }()

	src := newTestSource(srcConn)
	err := Chunked(deadline.New(time.Second), 0, 0, src, dstConn)
	assert.ErrorIs(t, err, ErrChunkSize)
	assert.Equal(t, "zz\r\n", string(<-done))
}

func TestParseChunkSize(t *testing.T) {
	n, err := parseChunkSize([]byte("1A\r\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(0x1A), n)

	n, err = parseChunkSize([]byte("0\r\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = parseChunkSize([]byte("ff;ext=1\r\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(0xff), n)

	_, err = parseChunkSize([]byte("zz\r\n"))
	assert.ErrorIs(t, err, ErrChunkSize)

	_, err = parseChunkSize([]byte("\r\n"))
	assert.ErrorIs(t, err, ErrChunkSize)
}

func TestUntilCloseForwardsUntilEOF(t *testing.T) {
	srcConn, srcWriter := pipePair(t)
	dstReader, dstConn := pipePair(t)

	go func() {
		_, _ = srcWriter.Write([]byte("partial-body"))
		_ = srcWriter.Close()
	}()

	done := make(chan []byte, 1)
	go func() { done <- drainInto(dstReader, len("partial-body")) }()

	src := newTestSource(srcConn)
	err := UntilClose(deadline.New(time.Second), 0, 0, src, dstConn)
	require.NoError(t, err)
	assert.Equal(t, "partial-body", string(<-done))
}

func TestUntilCloseNeverReturnsError(t *testing.T) {
	srcConn, _ := pipePair(t)
	_, dstConn := pipePair(t)
	go discardUntilErr(dstConn)

	src := newTestSource(srcConn)
	err := UntilClose(deadline.New(20*time.Millisecond), 0, 0, src, dstConn)
	assert.NoError(t, err)
}
