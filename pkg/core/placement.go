package core

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
)

// LayerPlacement assigns layer counts to devices. Counts sum to the model's layers.
// Budgets and slack are those seen when the placement was computed; hysteresis
// compares against them.
type LayerPlacement struct {
	layers    map[int]int
	budget    map[int]uint64
	layerCost uint64
	numLayers int
}

func NewLayerPlacement(layers map[int]int, budget map[int]uint64, layerCost uint64) *LayerPlacement {
	p := &LayerPlacement{
		layers:    maps.Clone(layers),
		budget:    maps.Clone(budget),
		layerCost: layerCost,
	}
	if p.layers == nil {
		p.layers = map[int]int{}
	}
	if p.budget == nil {
		p.budget = map[int]uint64{}
	}
	for _, n := range p.layers {
		p.numLayers += n
	}
	return p
}

// Layers returns the count placed on a device.
func (p *LayerPlacement) Layers(deviceID int) int {
	return p.layers[deviceID]
}

// Assignment returns a copy of the device to layer count mapping.
func (p *LayerPlacement) Assignment() map[int]int {
	return maps.Clone(p.layers)
}

// Devices returns device ids in ascending order.
func (p *LayerPlacement) Devices() []int {
	return slices.Sorted(maps.Keys(p.layers))
}

func (p *LayerPlacement) NumLayers() int {
	return p.numLayers
}

func (p *LayerPlacement) LayerCost() uint64 {
	return p.layerCost
}

// Budget is the usable budget of a device when the placement was computed.
func (p *LayerPlacement) Budget(deviceID int) uint64 {
	return p.budget[deviceID]
}

// Slack is budget minus assigned bytes at computation time.
func (p *LayerPlacement) Slack(deviceID int) uint64 {
	used := SatMul(uint64(p.layers[deviceID]), p.layerCost)
	if b := p.budget[deviceID]; b > used {
		return b - used
	}
	return 0
}

// Equal compares layer counts only.
func (p *LayerPlacement) Equal(other *LayerPlacement) bool {
	if p == nil || other == nil {
		return p == other
	}
	return maps.Equal(p.layers, other.layers)
}

func (p *LayerPlacement) Data() config.PlacementData {
	slack := make(map[int]uint64, len(p.layers))
	for id := range p.layers {
		slack[id] = p.Slack(id)
	}
	return config.PlacementData{
		Layers:      maps.Clone(p.layers),
		BudgetBytes: maps.Clone(p.budget),
		SlackBytes:  slack,
		LayerCost:   p.layerCost,
		NumLayers:   p.numLayers,
	}
}

func (p *LayerPlacement) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Placement: layers=%d; layerCost=%d; ", p.numLayers, p.layerCost)
	for _, id := range p.Devices() {
		fmt.Fprintf(&b, "{dev=%d, layers=%d, budget=%d, slack=%d} ", id, p.layers[id], p.budget[id], p.Slack(id))
	}
	return b.String()
}

// ContextBudget is the largest safe context for a placement.
type ContextBudget struct {
	MaxContextTokens        int
	PerDeviceKVReserveBytes map[int]uint64
}

// RecommendedContext rounds the max context down to a coarser step.
func (c *ContextBudget) RecommendedContext(step int) int {
	if step <= 1 {
		return c.MaxContextTokens
	}
	return c.MaxContextTokens / step * step
}

func (c *ContextBudget) Data(step int) config.ContextBudgetData {
	return config.ContextBudgetData{
		MaxContextTokens:        c.MaxContextTokens,
		RecommendedContext:      c.RecommendedContext(step),
		PerDeviceKVReserveBytes: maps.Clone(c.PerDeviceKVReserveBytes),
	}
}

func (c *ContextBudget) String() string {
	return fmt.Sprintf("ContextBudget: maxContext=%d; kvReserve=%v", c.MaxContextTokens, c.PerDeviceKVReserveBytes)
}
