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

package exchange

// badGateway 是 §6 规定的字面量 502 响应: 67 字节 header + 11 字节 body
var badGateway = []byte("HTTP/1.1 502 Bad Gateway\r\n" +
	"Connection: close\r\n" +
	"Content-Length: 11\r\n\r\n" +
	"Bad Gateway")

// gatewayTimeout 是 §6 规定的字面量 504 响应: header + 15 字节 body
var gatewayTimeout = []byte("HTTP/1.1 504 Gateway Timeout\r\n" +
	"Connection: close\r\n" +
	"Content-Length: 15\r\n\r\n" +
	"Gateway Timeout")
