// Copyright 2022-2023 The Parca Authors
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
//

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	figure "github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/halomon/agent/pkg/buildinfo"
	"github.com/halomon/agent/pkg/cpuinfo"
	"github.com/halomon/agent/pkg/inventory"
	"github.com/halomon/agent/pkg/jitlinker"
	"github.com/halomon/agent/pkg/monitor"
	"github.com/halomon/agent/pkg/patcher"
	"github.com/halomon/agent/pkg/rlimit"
	"github.com/halomon/agent/pkg/sampler"
	"github.com/halomon/agent/pkg/trampoline"
)

// defaultSamplingPeriod is the number of retired instructions between
// samples the agent starts with; it is a prime, chosen to avoid
// collisions with other periodic activity on the machine the way a
// 19Hz CPU-time sampler avoids colliding with 100Hz workloads.
const defaultSamplingPeriod = sampler.DefaultPeriod

type flags struct {
	Hostname string `kong:"help='Optimization server hostname.',default='localhost',env='HALO_HOSTNAME'"`
	Port     int    `kong:"help='Optimization server port.',default='29000',env='HALO_PORT'"`

	LogLevel       string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	MetricsAddr    string `kong:"help='Address to serve /metrics on. Empty disables the listener.',default=''"`
	SamplingPeriod uint64 `kong:"help='Initial number of retired instructions between samples.',default='${default_sampling_period}'"`
	MemlockRlimit  uint64 `kong:"help='Memlock rlimit to request, in bytes. 0 sizes it automatically from the online CPU count.',default='0'"`
}

func main() {
	f := flags{}
	kong.Parse(&f, kong.Vars{
		"default_sampling_period": fmt.Sprintf("%d", defaultSamplingPeriod),
	})

	logger := newLogger(f.LogLevel)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	figure.NewColorFigure("Halo Monitor", "roman", "yellow", true).Print()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := run(logger, reg, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var filter level.Option
	switch lvl {
	case "error":
		filter = level.AllowError()
	case "warn":
		filter = level.AllowWarn()
	case "debug":
		filter = level.AllowDebug()
	default:
		filter = level.AllowInfo()
	}
	return level.NewFilter(logger, filter)
}

func run(logger log.Logger, reg *prometheus.Registry, f flags) error {
	if bi, err := buildinfo.FetchBuildInfo(); err != nil {
		level.Warn(logger).Log("msg", "failed to read build info", "err", err)
	} else {
		level.Info(logger).Log("msg", "starting", "revision", bi.VcsRevision, "built", bi.VcsTime, "modified", bi.VcsModified, "goarch", bi.GoArch, "goos", bi.GoOs)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	inv := inventory.New()
	mod, err := inv.EnrollExecutable(execPath)
	if err != nil {
		return fmt.Errorf("enrolling host executable into code inventory: %w", err)
	}
	level.Info(logger).Log("msg", "enrolled host executable", "functions", len(mod.Functions()), "patchable", len(mod.PatchableNames))

	p := patcher.New(trampoline.Runtime{})
	if err := p.Initialize(); err != nil {
		return fmt.Errorf("initializing patcher against trampoline runtime: %w", err)
	}

	linker := jitlinker.NewSession(jitlinker.NewChainResolver(
		jitlinker.NewProcessImageResolver(),
		originalModuleResolver{mod: mod},
	))

	cpus, err := cpuinfo.OnlineCPUs()
	if err != nil {
		return fmt.Errorf("reading online cpu set: %w", err)
	}
	numCPU := int(cpus.Num())

	needed := rlimit.RingBufferBytes(numCPU, sampler.RingDataPages)
	memlock := f.MemlockRlimit
	if memlock == 0 {
		memlock = needed
	}
	if _, err := rlimit.BumpMemlock(memlock, memlock); err != nil {
		level.Warn(logger).Log("msg", "failed to raise memlock rlimit, perf ring mmaps may fail", "wanted", humanize.Bytes(memlock), "err", err)
	}

	period := f.SamplingPeriod
	if period == 0 {
		period = defaultSamplingPeriod
	}

	var samplers monitor.Samplers
	for _, cpuRange := range cpus {
		for cpu := cpuRange.First; cpu <= cpuRange.Last; cpu++ {
			h, err := sampler.NewHandle(log.With(logger, "component", "sampler"), int(cpu), period)
			if err != nil {
				return fmt.Errorf("opening sampler for cpu %d: %w", cpu, err)
			}
			samplers = append(samplers, h)
		}
	}
	level.Info(logger).Log("msg", "opened per-cpu samplers", "count", len(samplers), "period", period)

	mon, err := monitor.New(log.With(logger, "component", "monitor"), reg, monitor.Config{
		Addr:           fmt.Sprintf("%s:%d", f.Hostname, f.Port),
		ExecutablePath: execPath,
		Inventory:      inv,
		Patcher:        p,
		Linker:         linker,
		Samplers:       samplers,
	})
	if err != nil {
		return fmt.Errorf("constructing monitor: %w", err)
	}

	var g okrun.Group

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: monitor")
			defer level.Debug(logger).Log("msg", "stopped: monitor")
			return mon.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if f.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:         f.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: metrics server", "addr", f.MetricsAddr)
			defer level.Debug(logger).Log("msg", "stopped: metrics server")
			return srv.ListenAndServe()
		}, func(error) {
			_ = srv.Close()
		})
	}

	g.Add(okrun.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	return g.Run()
}

// originalModuleResolver resolves a JIT object's undefined symbols
// against the host executable's own function table. It is chained after
// jitlinker.ProcessImageResolver so that a symbol shared with another
// loaded library is found there first.
type originalModuleResolver struct {
	mod *inventory.Module
}

func (r originalModuleResolver) ResolveExternalSymbol(name string) (uint64, bool) {
	fn, ok := r.mod.FunctionByLabel(name)
	if !ok {
		return 0, false
	}
	return fn.Start, true
}
