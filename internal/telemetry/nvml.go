package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	"github.com/mindprince/gonvml"
)

// NVMLCollector reads devices through the NVIDIA management library.
type NVMLCollector struct {
	mu          sync.Mutex
	numDevices  int
	powerLimitW float64
	closed      bool
}

// NewNVMLCollector initializes NVML. Close releases it.
func NewNVMLCollector(powerLimitW float64) (*NVMLCollector, error) {
	if err := gonvml.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize NVML: %w", err)
	}
	n, err := gonvml.DeviceCount()
	if err != nil {
		gonvml.Shutdown()
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}
	logger.Log.Infow("NVML initialized", "devices", n)
	return &NVMLCollector{numDevices: int(n), powerLimitW: powerLimitW}, nil
}

func (c *NVMLCollector) Name() string {
	return CollectorNVML
}

func (c *NVMLCollector) Collect(ctx context.Context) ([]core.GPUState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("NVML collector is closed")
	}

	now := time.Now()
	states := make([]core.GPUState, 0, c.numDevices)
	for i := range c.numDevices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spec, err := c.readDevice(uint(i))
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		g, err := core.NewGPUStateAt(spec, now)
		if err != nil {
			return nil, err
		}
		states = append(states, g)
	}
	return states, nil
}

// readDevice fails on missing memory info; other readings are best effort.
func (c *NVMLCollector) readDevice(index uint) (*config.GPUStateSpec, error) {
	dev, err := gonvml.DeviceHandleByIndex(index)
	if err != nil {
		return nil, err
	}
	total, used, err := dev.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory info: %w", err)
	}
	spec := &config.GPUStateSpec{
		DeviceID:       int(index),
		TotalVRAMBytes: total,
		UsedVRAMBytes:  min(used, total),
		PowerLimitW:    c.powerLimitW,
	}
	if name, err := dev.Name(); err == nil {
		spec.Name = name
	}
	if util, _, err := dev.UtilizationRates(); err == nil {
		spec.UtilizationPct = float64(util)
	} else {
		logger.Log.Debugw("Utilization unavailable", "device", index, "error", err)
	}
	if temp, err := dev.Temperature(); err == nil {
		spec.TemperatureC = float64(temp)
	}
	if mw, err := dev.PowerUsage(); err == nil {
		spec.PowerDrawW = float64(mw) / 1000
	}
	return spec, nil
}

func (c *NVMLCollector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		gonvml.Shutdown()
		c.closed = true
	}
}
