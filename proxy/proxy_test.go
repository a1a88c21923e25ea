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

package proxy

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/rproxyd/common"
	"github.com/packetd/rproxyd/confengine"
)

func TestProxyStartServesAndStops(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	go func() {
		for {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						break
					}
				}
				_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
			}()
		}
	}()

	host, portStr, err := net.SplitHostPort(upstream.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	content := []byte(fmt.Sprintf(`
proxy:
  listen: "127.0.0.1:0"
  upstreams:
    - host: %s
      port: %d
logger:
  stdout: true
`, host, port))

	conf, err := confengine.LoadContent(content)
	require.NoError(t, err)

	p, err := New(conf, common.BuildInfo{Version: "test"})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	var addr net.Addr
	for i := 0; i < 100; i++ {
		if addr = p.Addr(); addr != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, addr)

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := client.Read(buf)
	assert.Contains(t, string(buf[:n]), "200 OK")

	assert.NoError(t, p.Stop())
}
