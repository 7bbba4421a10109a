package solver

import (
	"bytes"
	"cmp"
	"fmt"
	"math/bits"
	"slices"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
)

// BalanceOptions parameterize the layer balancer.
type BalanceOptions struct {
	SafetyMarginPct       float64              // percent of free memory held back
	MinKVReserveTokens    int                  // KV cache tokens reserved with every placed layer
	ReserveBytes          uint64               // fixed bytes held back per device
	Previous              *core.LayerPlacement // placement to keep when telemetry moved little
	RebalanceThresholdPct float64              // budget change (percent) tolerated by hysteresis
}

func (o *BalanceOptions) validate() error {
	if o.SafetyMarginPct < 0 || o.SafetyMarginPct > 100 {
		return core.NewError(core.InvalidConfig, "safety margin %v not in [0,100]", o.SafetyMarginPct)
	}
	if o.RebalanceThresholdPct < 0 || o.RebalanceThresholdPct > 100 {
		return core.NewError(core.InvalidConfig, "rebalance threshold %v not in [0,100]", o.RebalanceThresholdPct)
	}
	if o.MinKVReserveTokens < 0 {
		return core.NewError(core.InvalidConfig, "negative KV reserve %d", o.MinKVReserveTokens)
	}
	return nil
}

// device entry in the water-filling pass
type entry struct {
	deviceID  int
	budget    uint64 // usable budget
	remaining uint64 // budget not yet assigned
	layers    int    // layers assigned so far
}

func (e *entry) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "dev=%d, budget=%d, remaining=%d, layers=%d", e.deviceID, e.budget, e.remaining, e.layers)
	return b.String()
}

// headroom order: larger remaining fraction of budget first, then lower device id
func headroomOrder(a, b *entry) int {
	if c := compareProducts(b.remaining, a.budget, a.remaining, b.budget); c != 0 {
		return c
	}
	return cmp.Compare(a.deviceID, b.deviceID)
}

// Balance assigns the model's layers to devices by greedy water-filling. Every layer
// goes to the device with the most headroom left relative to its usable budget; a
// device stops taking layers once one more would exceed its budget. Identical
// inputs always give an identical placement.
func Balance(model *core.ModelProfile, snapshots []core.GPUState, opts BalanceOptions) (*core.LayerPlacement, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	layerBytes, err := core.LayerBytes(model)
	if err != nil {
		return nil, err
	}
	kvReserve, err := core.KVBytes(model, opts.MinKVReserveTokens, 1)
	if err != nil {
		return nil, err
	}
	cost := core.SatAdd(layerBytes, kvReserve)

	devices, err := sortedDevices(snapshots)
	if err != nil {
		return nil, err
	}
	budgets := make(map[int]uint64, len(devices))
	for _, g := range devices {
		budgets[g.DeviceID()] = core.UsableBudget(g, opts.SafetyMarginPct, opts.ReserveBytes)
	}

	if opts.Previous != nil && keepPrevious(opts.Previous, model.NumLayers(), cost, budgets, opts.RebalanceThresholdPct) {
		return opts.Previous, nil
	}

	layers := make(map[int]int, len(devices))
	entries := make([]*entry, 0, len(devices))
	for _, g := range devices {
		id := g.DeviceID()
		layers[id] = 0
		if budgets[id] >= cost {
			entries = append(entries, &entry{deviceID: id, budget: budgets[id], remaining: budgets[id]})
		}
	}
	slices.SortFunc(entries, headroomOrder)

	unassigned := model.NumLayers()
	for unassigned > 0 && len(entries) > 0 {
		top := entries[0]
		entries = entries[1:]

		top.layers++
		top.remaining -= cost
		layers[top.deviceID]++
		unassigned--

		if top.remaining >= cost {
			pos, _ := slices.BinarySearchFunc(entries, top, headroomOrder)
			entries = slices.Insert(entries, pos, top)
		}
	}

	if unassigned > 0 {
		shortfall := core.SatMul(uint64(unassigned), cost)
		e := core.NewError(core.InsufficientAggregateVRAM,
			"%d of %d layers of %q do not fit on %d devices (%d bytes per layer, short by %d bytes)",
			unassigned, model.NumLayers(), model.Name(), len(devices), cost, shortfall)
		e.ShortfallBytes = shortfall
		return nil, e
	}
	return core.NewLayerPlacement(layers, budgets, cost), nil
}

// keepPrevious reports whether every device's projected slack under the previous
// placement stays within the threshold of the slack it had when computed.
func keepPrevious(prev *core.LayerPlacement, numLayers int, cost uint64, budgets map[int]uint64, thresholdPct float64) bool {
	if prev.NumLayers() != numLayers || prev.LayerCost() != cost {
		return false
	}
	prevDevices := prev.Devices()
	if len(prevDevices) != len(budgets) {
		return false
	}
	for _, id := range prevDevices {
		budget, ok := budgets[id]
		if !ok {
			return false
		}
		assigned := core.SatMul(uint64(prev.Layers(id)), cost)
		if assigned > budget {
			return false
		}
		projected := budget - assigned
		prior := prev.Slack(id)
		diff := max(projected, prior) - min(projected, prior)
		tolerance := float64(prev.Budget(id)) * thresholdPct / 100
		if float64(diff) > tolerance {
			return false
		}
	}
	return true
}

func sortedDevices(snapshots []core.GPUState) ([]core.GPUState, error) {
	devices := slices.Clone(snapshots)
	slices.SortFunc(devices, func(a, b core.GPUState) int {
		return cmp.Compare(a.DeviceID(), b.DeviceID())
	})
	for i := 1; i < len(devices); i++ {
		if devices[i].DeviceID() == devices[i-1].DeviceID() {
			return nil, core.NewError(core.InvalidSnapshot, "duplicate device id %d", devices[i].DeviceID())
		}
	}
	return devices, nil
}

// compareProducts compares x1*y1 with x2*y2 without overflow.
func compareProducts(x1, y1, x2, y2 uint64) int {
	hi1, lo1 := bits.Mul64(x1, y1)
	hi2, lo2 := bits.Mul64(x2, y2)
	if c := cmp.Compare(hi1, hi2); c != 0 {
		return c
	}
	return cmp.Compare(lo1, lo2)
}
