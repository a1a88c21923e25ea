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

package framing

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/rproxyd/deadline"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestReadHeadersRequest(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		_, _ = client.Write([]byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\n"))
	}()

	r := NewReader(server, 4096)
	msg, err := r.ReadHeaders(deadline.New(time.Second), 0, 4096, true)
	require.NoError(t, err)
	assert.Equal(t, "GET", msg.Method)
	assert.Equal(t, "/index.html", msg.Target)
	assert.Equal(t, "HTTP/1.1", msg.Version)

	host, ok := msg.Headers.Get("host")
	require.True(t, ok)
	assert.Equal(t, "example.com", host)

	cl, ok := msg.Headers.Get("content-length")
	require.True(t, ok)
	assert.Equal(t, "5", cl)
	assert.Contains(t, string(msg.Raw), "GET /index.html HTTP/1.1\r\n")
}

func TestReadHeadersResponse(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		_, _ = client.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n"))
	}()

	r := NewReader(server, 4096)
	msg, err := r.ReadHeaders(deadline.New(time.Second), 0, 4096, false)
	require.NoError(t, err)
	assert.Equal(t, 200, msg.StatusCode)
}

func TestReadHeadersResponseEmptyReasonPhraseNeverMalformed(t *testing.T) {
	for _, statusLine := range []string{"HTTP/1.1 200 \r\n", "HTTP/1.1 200\r\n"} {
		client, server := pipePair(t)

		go func() {
			_, _ = client.Write([]byte(statusLine + "Content-Length: 2\r\n\r\n"))
		}()

		r := NewReader(server, 4096)
		msg, err := r.ReadHeaders(deadline.New(time.Second), 0, 4096, false)
		require.NoError(t, err)
		assert.Equal(t, 200, msg.StatusCode)
	}
}

func TestReadHeadersMalformedStartLine(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		_, _ = client.Write([]byte("GET /\r\n\r\n"))
	}()

	r := NewReader(server, 4096)
	_, err := r.ReadHeaders(deadline.New(time.Second), 0, 4096, true)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadHeadersMalformedHeaderLine(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\nbroken-header-no-colon\r\n\r\n"))
	}()

	r := NewReader(server, 4096)
	_, err := r.ReadHeaders(deadline.New(time.Second), 0, 4096, true)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadHeadersPeerClosed(t *testing.T) {
	client, server := pipePair(t)
	_ = client.Close()

	r := NewReader(server, 4096)
	_, err := r.ReadHeaders(deadline.New(time.Second), 0, 4096, true)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestReadHeadersTimeout(t *testing.T) {
	_, server := pipePair(t)

	r := NewReader(server, 4096)
	_, err := r.ReadHeaders(deadline.New(20*time.Millisecond), 0, 4096, true)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadHeadersTooLarge(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\n"))
		_, _ = client.Write([]byte("X-Big: "))
		_, _ = client.Write(make([]byte, 200))
		_, _ = client.Write([]byte("\r\n\r\n"))
	}()

	r := NewReader(server, 64)
	_, err := r.ReadHeaders(deadline.New(time.Second), 0, 64, true)
	assert.ErrorIs(t, err, ErrHeadersTooLarge)
}

func TestHeadersCaseNormalization(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\nConnection: KEEP-ALIVE\r\n\r\n"))
	}()

	r := NewReader(server, 4096)
	msg, err := r.ReadHeaders(deadline.New(time.Second), 0, 4096, true)
	require.NoError(t, err)
	v, ok := msg.Headers.Get("connection")
	require.True(t, ok)
	assert.Equal(t, "keep-alive", v)
}

func TestHeaderValueIsOpaqueAndNeverRejected(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\nX-Opaque: val\x01ue\r\n\r\n"))
	}()

	r := NewReader(server, 4096)
	msg, err := r.ReadHeaders(deadline.New(time.Second), 0, 4096, true)
	require.NoError(t, err)
	v, ok := msg.Headers.Get("x-opaque")
	require.True(t, ok)
	assert.Equal(t, "val\x01ue", v)
}
