package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/ptr"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/engines/executor"
	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/internal/metrics"
	"github.com/llm-d-incubation/gpu-split-optimizer/internal/telemetry"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/batch"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/manager"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/rest"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/solver"
)

const envPrefix = "GPUSPLIT"

func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gpu-split-optimizer", pflag.ExitOnError)
	fs.String("config", "", "optimizer config file (YAML or JSON)")
	fs.String("model", "", "model profile file (YAML or JSON)")
	fs.String("preset", "llama-2-7b", "model preset, used when no model file is given")
	fs.String("quantization", "NONE", "quantization of the preset")
	fs.Float64("safety-margin", config.DefaultSafetyMarginPct, "percent of free VRAM held back per device")
	fs.Int("max-context", config.DefaultMaxRequestedContext, "upper bound of the context search")
	fs.String("collector", telemetry.CollectorNVML, "telemetry source: nvml, prometheus or mock")
	fs.Int("mock-devices", 2, "number of devices reported by the mock collector")
	fs.Float64("power-limit", 0, "power limit (W) reported for NVML devices")
	fs.String("prometheus-url", "http://prometheus:9090", "Prometheus scraping the DCGM exporter")
	fs.String("prometheus-selector", "", "label matchers added to DCGM queries")
	fs.String("prometheus-token-path", "", "file holding a bearer token for Prometheus")
	fs.Bool("smoothing", true, "smooth used VRAM with a Kalman filter")
	fs.Duration("poll-interval", time.Second, "telemetry polling interval")
	fs.Duration("optimize-interval", 2*time.Second, "rebalance check interval")
	fs.String("metrics-addr", ":9100", "address of the metrics endpoint")
	fs.BoolP("read-only", "R", false, "serve GET calls only")
	fs.String("log-level", "", "debug, info, warn or error (default from LOG_LEVEL)")
	return fs
}

func loadSettings(args []string) (*viper.Viper, error) {
	fs := newFlags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

func loadOptimizerSpec(v *viper.Viper) (*config.OptimizerSpec, error) {
	spec := &config.OptimizerSpec{}
	if path := v.GetString("config"); path != "" {
		var err error
		if spec, err = config.LoadOptimizerConfig(path); err != nil {
			return nil, err
		}
	}
	if v.IsSet("safety-margin") {
		spec.SafetyMarginPct = ptr.To(v.GetFloat64("safety-margin"))
	}
	if v.IsSet("max-context") {
		spec.MaxRequestedContext = ptr.To(v.GetInt("max-context"))
	}
	return spec, nil
}

func loadModel(v *viper.Viper) (*core.ModelProfile, error) {
	spec := &config.ModelProfileSpec{
		Preset:       v.GetString("preset"),
		Quantization: v.GetString("quantization"),
	}
	if path := v.GetString("model"); path != "" {
		var err error
		if spec, err = config.LoadModelProfile(path); err != nil {
			return nil, err
		}
	}
	return core.NewModelProfileFromSpec(spec)
}

func run(ctx context.Context, v *viper.Viper) error {
	spec, err := loadOptimizerSpec(v)
	if err != nil {
		return err
	}
	optimizer, err := solver.NewOptimizerFromSpec(spec)
	if err != nil {
		return err
	}
	model, err := loadModel(v)
	if err != nil {
		return err
	}
	logger.Log.Infow("Model loaded", "model", model.String())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	emitter, err := metrics.InitMetricsAndEmitter(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	policy, err := batch.NewBucketPolicy(spec.BucketPolicy)
	if err != nil {
		return err
	}
	assembler := batch.NewAssembler(policy, batch.AssemblerConfig{
		AssembleOptions: batch.AssembleOptions{
			MaxBatchSize:   ptr.Deref(spec.Batch.MaxBatchSize, config.DefaultMaxBatchSize),
			MaxBatchTokens: ptr.Deref(spec.Batch.MaxBatchTokens, 0),
		},
		MaxQueue: ptr.Deref(spec.Batch.MaxQueue, config.DefaultMaxQueue),
	}, emitter)

	store := telemetry.NewStore()
	mgr, err := manager.NewManager(model, optimizer, store, assembler, emitter)
	if err != nil {
		return err
	}

	collector, err := telemetry.NewCollector(telemetry.CollectorConfig{
		Kind:        v.GetString("collector"),
		PowerLimitW: v.GetFloat64("power-limit"),
		MockDevices: v.GetInt("mock-devices"),
		Prometheus: &telemetry.PrometheusConfig{
			BaseURL:   v.GetString("prometheus-url"),
			TokenPath: v.GetString("prometheus-token-path"),
		},
		Selector: v.GetString("prometheus-selector"),
	})
	if err != nil {
		return err
	}
	if nvml, ok := collector.(*telemetry.NVMLCollector); ok {
		defer nvml.Close()
	}
	var smoother *telemetry.Smoother
	if v.GetBool("smoothing") {
		smoother = telemetry.NewSmoother(telemetry.DefaultProcessNoise, telemetry.DefaultMeasurementNoise)
	}
	poller := telemetry.NewPoller(collector, store, smoother, emitter)

	flushInterval, err := spec.FlushIntervalDuration()
	if err != nil {
		return err
	}

	var server interface{ Run(context.Context) error }
	if v.GetBool("read-only") {
		server = rest.NewStateLessServer(mgr)
	} else {
		server = rest.NewStateFullServer(mgr)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		executor.NewPollingExecutor(executor.PollingConfig{
			Config:       executor.Config{Name: "telemetry", Task: poller.Poll},
			Interval:     v.GetDuration("poll-interval"),
			RetryBackoff: 100 * time.Millisecond,
		}).Start(ctx)
		return nil
	})
	g.Go(func() error {
		executor.NewPollingExecutor(executor.PollingConfig{
			Config:   executor.Config{Name: "optimize", Task: mgr.Optimize},
			Interval: v.GetDuration("optimize-interval"),
		}).Start(ctx)
		return nil
	})
	g.Go(func() error {
		mgr.RunAssembler(ctx, flushInterval, func(batches []core.Batch, rejections []core.Rejection) {
			for i := range batches {
				logger.Log.Debugw("Batch ready", "batch", batches[i].String())
			}
			for i := range rejections {
				logger.Log.Infow("Request rejected", "arrivalOrder", rejections[i].Request.ArrivalOrder,
					"reason", rejections[i].Err.Error())
			}
		})
		return nil
	})
	g.Go(func() error {
		return serveMetrics(ctx, v.GetString("metrics-addr"), registry)
	})
	g.Go(func() error {
		return server.Run(ctx)
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rest.ShutdownGraceSeconds*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Log.Infow("Metrics endpoint listening", "address", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// run the optimizer service until interrupted
func main() {
	v, err := loadSettings(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if _, err := logger.InitLogger(v.GetString("log-level")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, v); err != nil {
		logger.Log.Errorw("Optimizer stopped", "error", err)
		logger.SyncLogger()
		os.Exit(1)
	}
}
