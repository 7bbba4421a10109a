package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
)

const gib = 1 << 30

// mock device models: a high-end card first, mid-range cards after it
var mockDevices = []config.GPUStateSpec{
	{Name: "Mock GPU 24GB", TotalVRAMBytes: 24 * gib, PowerLimitW: 350},
	{Name: "Mock GPU 12GB", TotalVRAMBytes: 12 * gib, PowerLimitW: 200},
}

// MockCollector fabricates a deterministic load pattern for hosts without GPUs.
// Utilization cycles between 30% and 90%; memory, temperature and power follow it.
type MockCollector struct {
	mu    sync.Mutex
	count int
	tick  int
	now   func() time.Time
}

// NewMockCollector reports count devices; values <= 0 mean two.
func NewMockCollector(count int) *MockCollector {
	if count <= 0 {
		count = 2
	}
	return &MockCollector{count: count, now: time.Now}
}

func (c *MockCollector) Name() string {
	return CollectorMock
}

func (c *MockCollector) Collect(ctx context.Context) ([]core.GPUState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	tick := c.tick
	c.tick++
	c.mu.Unlock()

	now := c.now()
	states := make([]core.GPUState, c.count)
	for i := range c.count {
		spec := mockSpec(i, tick)
		g, err := core.NewGPUStateAt(&spec, now)
		if err != nil {
			return nil, fmt.Errorf("mock device %d: %w", i, err)
		}
		states[i] = g
	}
	return states, nil
}

func mockSpec(id, tick int) config.GPUStateSpec {
	spec := mockDevices[min(id, len(mockDevices)-1)]
	util := 30 + (10*(tick+id))%61
	spec.DeviceID = id
	spec.UtilizationPct = float64(util)
	spec.UsedVRAMBytes = spec.TotalVRAMBytes / 100 * uint64(util)
	spec.TemperatureC = float64(40 + util/3)
	spec.PowerDrawW = spec.PowerLimitW * (0.2 + 0.7*float64(util)/100)
	return spec
}
