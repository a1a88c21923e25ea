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

// Package balancer 选择下一个处理请求的后端
//
// 只有 round_robin 是必需且完整实现的策略 接口本身是可插拔的: 其它策略
// 可以通过 Register 注册 并通过 common.Options + mapstructure 接收自己的
// 子配置 见 SPEC_FULL.md §4.E
package balancer

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/packetd/rproxyd/backend"
	"github.com/packetd/rproxyd/common"
)

// ErrNoBackends 表示构造 Balancer 时传入的后端列表为空
var ErrNoBackends = errors.New("balancer: no backends configured")

// ErrUnknownPolicy 表示请求了一个没有注册过的策略名
var ErrUnknownPolicy = errors.New("balancer: unknown policy")

// Balancer 为每次新建的请求选出下一个后端
type Balancer interface {
	Next() backend.Backend
}

// Factory 根据后端列表和该策略的子配置构造一个 Balancer
type Factory func(backends []backend.Backend, opts common.Options) (Balancer, error)

var registry = map[string]Factory{
	"round_robin": newRoundRobinFromOptions,
}

// Register 注册一个新的均衡策略 同名策略会被覆盖
func Register(name string, f Factory) {
	registry[name] = f
}

// New 按策略名构造一个 Balancer policy 为空字符串时等价于 "round_robin"
func New(policy string, backends []backend.Backend, opts common.Options) (Balancer, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	if policy == "" {
		policy = "round_robin"
	}
	factory, ok := registry[policy]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPolicy, "policy=%s", policy)
	}
	return factory(backends, opts)
}

func newRoundRobinFromOptions(backends []backend.Backend, _ common.Options) (Balancer, error) {
	return NewRoundRobin(backends), nil
}

// DecodeOptions 把 opts 解码进 out 供自定义策略接收自己的子配置使用
// (权重之类的) round-robin 本身不需要子配置 不会调用这个函数
func DecodeOptions(opts common.Options, out any) error {
	return mapstructure.Decode(map[string]any(opts), out)
}
