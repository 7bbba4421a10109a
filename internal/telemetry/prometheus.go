package telemetry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// DCGM exporter gauges
const (
	DCGMFramebufferUsed = "DCGM_FI_DEV_FB_USED"          // MiB
	DCGMFramebufferFree = "DCGM_FI_DEV_FB_FREE"          // MiB
	DCGMGPUUtil         = "DCGM_FI_DEV_GPU_UTIL"         // %
	DCGMGPUTemp         = "DCGM_FI_DEV_GPU_TEMP"         // C
	DCGMPowerUsage      = "DCGM_FI_DEV_POWER_USAGE"      // W
	DCGMPowerLimit      = "DCGM_FI_DEV_POWER_MGMT_LIMIT" // W
)

const (
	mib                 = 1 << 20
	defaultQueryTimeout = 5 * time.Second
	gpuLabel            = "gpu"
	modelNameLabel      = "modelName"
)

// Querier is the part of promv1.API the collector needs.
type Querier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error)
}

// PrometheusCollector reads DCGM exporter metrics from Prometheus.
type PrometheusCollector struct {
	promAPI  Querier
	selector string
	timeout  time.Duration
}

func NewPrometheusCollector(promAPI Querier, selector string) *PrometheusCollector {
	return &PrometheusCollector{promAPI: promAPI, selector: selector, timeout: defaultQueryTimeout}
}

func (c *PrometheusCollector) Name() string {
	return CollectorPrometheus
}

// Collect returns every GPU that reports both used and free framebuffer. The other
// gauges are optional.
func (c *PrometheusCollector) Collect(ctx context.Context) ([]core.GPUState, error) {
	used, names, err := c.query(ctx, DCGMFramebufferUsed)
	if err != nil {
		return nil, err
	}
	free, _, err := c.query(ctx, DCGMFramebufferFree)
	if err != nil {
		return nil, err
	}
	optional := make(map[string]map[int]float64)
	for _, metric := range []string{DCGMGPUUtil, DCGMGPUTemp, DCGMPowerUsage, DCGMPowerLimit} {
		values, _, err := c.query(ctx, metric)
		if err != nil {
			logger.Log.Debugw("Optional DCGM metric unavailable", "metric", metric, "error", err)
			continue
		}
		optional[metric] = values
	}

	now := time.Now()
	var states []core.GPUState
	for id, usedMiB := range used {
		freeMiB, ok := free[id]
		if !ok {
			logger.Log.Debugw("GPU without free framebuffer metric skipped", "device", id)
			continue
		}
		usedBytes := uint64(max(usedMiB, 0)) * mib
		spec := &config.GPUStateSpec{
			DeviceID:       id,
			Name:           names[id],
			TotalVRAMBytes: usedBytes + uint64(max(freeMiB, 0))*mib,
			UsedVRAMBytes:  usedBytes,
			UtilizationPct: optional[DCGMGPUUtil][id],
			TemperatureC:   optional[DCGMGPUTemp][id],
			PowerDrawW:     optional[DCGMPowerUsage][id],
			PowerLimitW:    optional[DCGMPowerLimit][id],
		}
		g, err := core.NewGPUStateAt(spec, now)
		if err != nil {
			return nil, err
		}
		states = append(states, g)
	}
	slices.SortFunc(states, func(a, b core.GPUState) int {
		return cmp.Compare(a.DeviceID(), b.DeviceID())
	})
	return states, nil
}

// query returns metric values by gpu index, plus the model names DCGM reports.
func (c *PrometheusCollector) query(ctx context.Context, metric string) (map[int]float64, map[int]string, error) {
	q := metric
	if c.selector != "" {
		q = fmt.Sprintf("%s{%s}", metric, c.selector)
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, warnings, err := c.promAPI.Query(queryCtx, q, time.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus query %s failed: %w", q, err)
	}
	if len(warnings) > 0 {
		logger.Log.Warnw("Prometheus query returned warnings", "query", q, "warnings", warnings)
	}
	if result == nil || result.Type() != model.ValVector {
		return nil, nil, fmt.Errorf("prometheus query %s returned no vector", q)
	}

	values := make(map[int]float64)
	names := make(map[int]string)
	for _, sample := range result.(model.Vector) {
		id, err := strconv.Atoi(string(sample.Metric[gpuLabel]))
		if err != nil {
			continue
		}
		values[id] = float64(sample.Value)
		names[id] = string(sample.Metric[modelNameLabel])
	}
	return values, names, nil
}
