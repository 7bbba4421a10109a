package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/internal/metrics"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
)

// Poller moves snapshots from a collector into a store.
type Poller struct {
	collector Collector
	store     *Store
	smoother  *Smoother // optional
	emitter   *metrics.MetricsEmitter

	mu     sync.Mutex
	alerts map[int]core.AlertLevel
}

func NewPoller(collector Collector, store *Store, smoother *Smoother, emitter *metrics.MetricsEmitter) *Poller {
	return &Poller{
		collector: collector,
		store:     store,
		smoother:  smoother,
		emitter:   emitter,
		alerts:    make(map[int]core.AlertLevel),
	}
}

// Poll collects once and replaces the store contents. It matches the executor
// task signature.
func (p *Poller) Poll(ctx context.Context) error {
	states, err := p.collector.Collect(ctx)
	if err != nil {
		p.emitter.EmitError("telemetry")
		return fmt.Errorf("%s collector: %w", p.collector.Name(), err)
	}
	if p.smoother != nil {
		states = p.smoother.Smooth(states)
	}
	gen, err := p.store.Replace(states...)
	if err != nil {
		p.emitter.EmitError("telemetry")
		return err
	}
	logger.Log.Debugw("Telemetry published", "collector", p.collector.Name(),
		"devices", len(states), "generation", gen)

	p.trackAlerts(states)
	return nil
}

func (p *Poller) trackAlerts(states []core.GPUState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range states {
		level := g.Alert()
		p.emitter.EmitGPU(g.DeviceID(), g.UsedBytes(), int(level))

		prev, known := p.alerts[g.DeviceID()]
		p.alerts[g.DeviceID()] = level
		switch {
		case known && level == prev:
		case level > prev:
			logger.Log.Warnw("GPU alert raised", "device", g.DeviceID(), "level", level.String(),
				"memoryUsedPct", g.MemoryUsedPct(), "temperatureC", g.Temperature(), "powerW", g.PowerDraw())
		case known:
			logger.Log.Infow("GPU alert cleared", "device", g.DeviceID(), "level", level.String())
		}
	}
}

// Alert returns the last alert level seen for a device.
func (p *Poller) Alert(id int) (core.AlertLevel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	level, ok := p.alerts[id]
	return level, ok
}
