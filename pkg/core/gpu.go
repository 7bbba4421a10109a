package core

import (
	"fmt"
	"math"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
)

// GPUState is an immutable snapshot of one device. Replace it, never mutate it.
type GPUState struct {
	deviceID       int
	name           string
	totalVRAMBytes uint64
	usedVRAMBytes  uint64
	utilizationPct float64
	temperatureC   float64
	powerDrawW     float64
	powerLimitW    float64
	capturedAt     time.Time
}

// NewGPUStateFromSpec validates and captures a snapshot.
func NewGPUStateFromSpec(spec *config.GPUStateSpec) (GPUState, error) {
	return NewGPUStateAt(spec, time.Now())
}

func NewGPUStateAt(spec *config.GPUStateSpec, at time.Time) (GPUState, error) {
	if spec.DeviceID < 0 {
		return GPUState{}, NewError(InvalidSnapshot, "negative device id %d", spec.DeviceID)
	}
	if spec.UsedVRAMBytes > spec.TotalVRAMBytes {
		e := NewError(InvalidSnapshot, "device %d used %d > total %d bytes",
			spec.DeviceID, spec.UsedVRAMBytes, spec.TotalVRAMBytes)
		e.DeviceID = spec.DeviceID
		return GPUState{}, e
	}
	return GPUState{
		deviceID:       spec.DeviceID,
		name:           spec.Name,
		totalVRAMBytes: spec.TotalVRAMBytes,
		usedVRAMBytes:  spec.UsedVRAMBytes,
		utilizationPct: clamp(spec.UtilizationPct, 0, 100),
		temperatureC:   spec.TemperatureC,
		powerDrawW:     spec.PowerDrawW,
		powerLimitW:    spec.PowerLimitW,
		capturedAt:     at,
	}, nil
}

func (g GPUState) DeviceID() int         { return g.deviceID }
func (g GPUState) Name() string          { return g.name }
func (g GPUState) TotalBytes() uint64    { return g.totalVRAMBytes }
func (g GPUState) UsedBytes() uint64     { return g.usedVRAMBytes }
func (g GPUState) Utilization() float64  { return g.utilizationPct }
func (g GPUState) Temperature() float64  { return g.temperatureC }
func (g GPUState) PowerDraw() float64    { return g.powerDrawW }
func (g GPUState) PowerLimit() float64   { return g.powerLimitW }
func (g GPUState) CapturedAt() time.Time { return g.capturedAt }

func (g GPUState) FreeBytes() uint64 {
	return g.totalVRAMBytes - g.usedVRAMBytes
}

func (g GPUState) MemoryUsedPct() float64 {
	if g.totalVRAMBytes == 0 {
		return 0
	}
	return 100 * float64(g.usedVRAMBytes) / float64(g.totalVRAMBytes)
}

// WithUsedBytes returns a copy with a different used figure, clamped to total.
func (g GPUState) WithUsedBytes(used uint64) GPUState {
	g.usedVRAMBytes = min(used, g.totalVRAMBytes)
	return g
}

func (g GPUState) Spec() config.GPUStateSpec {
	return config.GPUStateSpec{
		DeviceID:       g.deviceID,
		Name:           g.name,
		TotalVRAMBytes: g.totalVRAMBytes,
		UsedVRAMBytes:  g.usedVRAMBytes,
		UtilizationPct: g.utilizationPct,
		TemperatureC:   g.temperatureC,
		PowerDrawW:     g.powerDrawW,
		PowerLimitW:    g.powerLimitW,
	}
}

// UsableBudget is (total - used) * (1 - margin/100) minus a fixed reserve, floored.
func UsableBudget(g GPUState, safetyMarginPct float64, reserveBytes uint64) uint64 {
	free := g.FreeBytes()
	if free == 0 {
		return 0
	}
	keep := 1 - clamp(safetyMarginPct, 0, 100)/100
	b := free
	if keep < 1 {
		// float rounding must not hand out more than is free
		b = min(uint64(math.Floor(float64(free)*keep)), free)
	}
	if b <= reserveBytes {
		return 0
	}
	return b - reserveBytes
}

// ReclaimedBytes reports, per device, how much free memory grew between two captures.
func ReclaimedBytes(before, after []GPUState) map[int]uint64 {
	prior := make(map[int]uint64, len(before))
	for _, g := range before {
		prior[g.deviceID] = g.FreeBytes()
	}
	reclaimed := make(map[int]uint64, len(after))
	for _, g := range after {
		was, ok := prior[g.deviceID]
		if !ok {
			continue
		}
		if now := g.FreeBytes(); now > was {
			reclaimed[g.deviceID] = now - was
		} else {
			reclaimed[g.deviceID] = 0
		}
	}
	return reclaimed
}

func (g GPUState) String() string {
	return fmt.Sprintf("GPU: id=%d; name=%s; used=%d/%d bytes (%.1f%%); util=%.1f%%; temp=%.1fC; power=%.1f/%.1fW",
		g.deviceID, g.name, g.usedVRAMBytes, g.totalVRAMBytes, g.MemoryUsedPct(),
		g.utilizationPct, g.temperatureC, g.powerDrawW, g.powerLimitW)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
