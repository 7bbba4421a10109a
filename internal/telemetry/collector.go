package telemetry

import (
	"context"
	"fmt"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
)

// Collector reads one snapshot of every visible GPU.
type Collector interface {
	Collect(ctx context.Context) ([]core.GPUState, error)
	Name() string
}

// collector kinds accepted by NewCollector
const (
	CollectorNVML       = "nvml"
	CollectorPrometheus = "prometheus"
	CollectorMock       = "mock"
)

// CollectorConfig selects and configures a collector.
type CollectorConfig struct {
	Kind        string
	PowerLimitW float64 // reported for devices whose driver does not expose one
	MockDevices int
	Prometheus  *PrometheusConfig
	Selector    string // extra label matchers for DCGM queries, e.g. Hostname="node-1"
}

// NewCollector builds the configured collector. When NVML cannot be loaded the
// mock collector stands in, so the optimizer still runs on hosts without a driver.
func NewCollector(cfg CollectorConfig) (Collector, error) {
	switch cfg.Kind {
	case CollectorNVML, "":
		c, err := NewNVMLCollector(cfg.PowerLimitW)
		if err != nil {
			logger.Log.Warnw("NVML unavailable, using mock GPU data", "error", err)
			return NewMockCollector(cfg.MockDevices), nil
		}
		return c, nil
	case CollectorPrometheus:
		if cfg.Prometheus == nil {
			return nil, fmt.Errorf("prometheus collector requires a prometheus config")
		}
		promAPI, err := NewPrometheusAPI(cfg.Prometheus)
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
		return NewPrometheusCollector(promAPI, cfg.Selector), nil
	case CollectorMock:
		return NewMockCollector(cfg.MockDevices), nil
	default:
		return nil, fmt.Errorf("unsupported collector %q", cfg.Kind)
	}
}
