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

// Package proxy 把 listener/exchange/pool/balancer/admission 组装成一个
// 可以启动/停止/重载的反向代理进程
//
// 见 SPEC_FULL.md §4
package proxy

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packetd/rproxyd/admission"
	"github.com/packetd/rproxyd/balancer"
	"github.com/packetd/rproxyd/common"
	"github.com/packetd/rproxyd/confengine"
	"github.com/packetd/rproxyd/exchange"
	"github.com/packetd/rproxyd/internal/sigs"
	"github.com/packetd/rproxyd/listener"
	"github.com/packetd/rproxyd/logger"
	"github.com/packetd/rproxyd/metrics"
	"github.com/packetd/rproxyd/pool"
	"github.com/packetd/rproxyd/server"
)

// Proxy 持有一次运行所需的全部状态 并负责把它们的生命周期串起来
type Proxy struct {
	buildInfo common.BuildInfo

	pool *pool.Pool
	gts  *admission.Gates
	ln   *listener.Listener
	svr  *server.Server

	stopMetrics chan struct{}
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}

	if opts.Filename == "" {
		opts.Filename = "rproxyd.log"
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}

	logger.SetOptions(opts)
	return nil
}

// New 从配置构建一个未启动的 Proxy
func New(conf *confengine.Config, buildInfo common.BuildInfo) (*Proxy, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	var cfg Config
	if err := conf.UnpackChild("proxy", &cfg); err != nil {
		return nil, err
	}

	backends := cfg.backends()
	bal, err := balancer.New(cfg.Balancer.Policy, backends, cfg.Balancer.Options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct balancer")
	}

	p := pool.New(cfg.Pool.MaxIdle)
	gts := admission.NewGates(cfg.Limits.MaxClientConns, cfg.Limits.MaxConnsPerUpstream)

	connect, read, write, total := cfg.timeouts()
	ec := &exchange.Config{
		Pool:     p,
		Balancer: bal,
		Gates:    gts,
		Timeouts: exchange.Timeouts{
			Connect: connect,
			Read:    read,
			Write:   write,
			Total:   total,
		},
		MaxHeaderBytes: common.MaxHeaderBytes,
		Dial:           exchange.DialTCP,
	}

	svr, err := server.New(conf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct admin server")
	}

	ln := listener.New(cfg.listenAddr(), cfg.Backlog, ec, gts.Client)

	return &Proxy{
		buildInfo:   buildInfo,
		pool:        p,
		gts:         gts,
		ln:          ln,
		svr:         svr,
		stopMetrics: make(chan struct{}),
	}, nil
}

// Start 启动监听循环和管理服务器 均为非阻塞调用 后台协程里运行
func (p *Proxy) Start() error {
	p.setupServer()

	go p.recordMetricsLoop()

	go func() {
		if err := p.ln.Serve(); err != nil {
			logger.Errorf("listener stopped: %v", err)
		}
	}()

	if p.svr != nil {
		go func() {
			err := p.svr.ListenAndServe()
			if !errors.Is(err, io.EOF) {
				logger.Errorf("failed to start admin server: %v", err)
			}
		}()
	}

	return nil
}

// Addr 返回实际监听地址 Start 之后才有效 在使用随机端口 (":0") 测试时有用
func (p *Proxy) Addr() net.Addr {
	return p.ln.Addr()
}

// Stop 关闭监听 socket 并停止指标采集 把可能遇到的多个错误一并返回
func (p *Proxy) Stop() error {
	close(p.stopMetrics)

	var errs error
	if err := p.ln.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// Reload 目前只支持重新加载日志级别以外的动态参数留给 /-/logger 接口
//
// 后端列表/均衡策略/准入限额的变更需要重建 balancer/gates 不能在原地
// 安全地替换 因此交由进程重启完成 这里只重载日志配置
func (p *Proxy) Reload(conf *confengine.Config) error {
	return setupLogger(conf)
}

func (p *Proxy) setupServer() {
	if p.svr == nil {
		return
	}

	p.svr.RegisterGetRoute("/metrics", func(w http.ResponseWriter, r *http.Request) {
		p.recordMetrics()
		promhttp.Handler().ServeHTTP(w, r)
	})
	p.svr.RegisterGetRoute("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	p.svr.RegisterGetRoute("/debug/info", func(w http.ResponseWriter, r *http.Request) {
		b, err := json.Marshal(p.buildInfo)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
	p.svr.RegisterPostRoute("/-/logger", func(w http.ResponseWriter, r *http.Request) {
		level := r.FormValue("level")
		logger.SetLoggerLevel(level)
		w.Write([]byte(`{"status": "success"}`))
	})
	p.svr.RegisterPostRoute("/-/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
			return
		}
	})
}

// recordMetricsLoop 周期性地把 gate/pool 的占用情况写入 Prometheus 指标
//
// exchange 本身只在成功/失败路径上各打一次点 占用类的 gauge 需要轮询
// 快照才能反映瞬时状态 这点跟请求计数类指标不一样
func (p *Proxy) recordMetricsLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.recordMetrics()
		case <-p.stopMetrics:
			return
		}
	}
}

func (p *Proxy) recordMetrics() {
	metrics.Uptime.Set(float64(time.Now().Unix() - common.Started()))
	metrics.BuildInfo.WithLabelValues(p.buildInfo.Version, p.buildInfo.GitHash, p.buildInfo.Time).Set(1)
	metrics.ClientGateInUse.Set(float64(p.gts.Client.InUse()))

	for b, inUse := range p.gts.Snapshot() {
		metrics.UpstreamGateInUse.WithLabelValues(b.String()).Set(float64(inUse))
		metrics.PoolIdleConns.WithLabelValues(b.String()).Set(float64(p.pool.Len(b)))
	}
}
