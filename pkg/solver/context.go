package solver

import (
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
)

// FitOptions parameterize the context fitter.
type FitOptions struct {
	SafetyMarginPct     float64 // percent of free memory held back
	ReserveBytes        uint64  // fixed bytes held back per device
	MaxRequestedContext int     // upper bound of the search (tokens)
	ContextAlignment    int     // result is a multiple of this; <= 1 disables rounding
}

// device constraint of the fit
type fitDevice struct {
	deviceID int
	layers   int
	budget   uint64
	weights  uint64 // layer bytes * layers
}

// FitContext finds the largest context length c in [0, MaxRequestedContext] such that
// every device holding layers fits its weights plus the KV cache of c tokens within
// its usable budget, rounded down to the alignment. KV bytes grow monotonically with
// c, so the feasible set is a prefix and binary search applies.
func FitContext(model *core.ModelProfile, placement *core.LayerPlacement, snapshots []core.GPUState, opts FitOptions) (*core.ContextBudget, error) {
	if opts.SafetyMarginPct < 0 || opts.SafetyMarginPct > 100 {
		return nil, core.NewError(core.InvalidConfig, "safety margin %v not in [0,100]", opts.SafetyMarginPct)
	}
	if opts.MaxRequestedContext < 0 {
		return nil, core.NewError(core.InvalidConfig, "negative max requested context %d", opts.MaxRequestedContext)
	}
	if placement == nil {
		return nil, core.NewError(core.InvalidConfig, "no placement to fit")
	}
	layerBytes, err := core.LayerBytes(model)
	if err != nil {
		return nil, err
	}
	if placement.NumLayers() != model.NumLayers() {
		return nil, core.NewError(core.InvalidConfig, "placement holds %d layers, model %q has %d",
			placement.NumLayers(), model.Name(), model.NumLayers())
	}

	states := make(map[int]core.GPUState, len(snapshots))
	for _, g := range snapshots {
		states[g.DeviceID()] = g
	}
	var devices []fitDevice
	for _, id := range placement.Devices() {
		n := placement.Layers(id)
		if n == 0 {
			continue
		}
		g, ok := states[id]
		if !ok {
			e := core.NewError(core.PlacementExceedsMemory, "device %d holds %d layers but has no telemetry", id, n)
			e.DeviceID = id
			return nil, e
		}
		devices = append(devices, fitDevice{
			deviceID: id,
			layers:   n,
			budget:   core.UsableBudget(g, opts.SafetyMarginPct, opts.ReserveBytes),
			weights:  core.SatMul(layerBytes, uint64(n)),
		})
	}

	// first device that cannot hold c tokens, or -1
	violator := func(c int) int {
		for i, d := range devices {
			kv, _ := core.KVBytes(model, c, d.layers)
			if core.SatAdd(d.weights, kv) > d.budget {
				return i
			}
		}
		return -1
	}

	if i := violator(0); i >= 0 {
		d := devices[i]
		e := core.NewError(core.PlacementExceedsMemory, "device %d: %d layers need %d bytes, usable budget is %d",
			d.deviceID, d.layers, d.weights, d.budget)
		e.DeviceID = d.deviceID
		return nil, e
	}

	lo, hi := 0, opts.MaxRequestedContext
	for lo < hi {
		mid := lo + (hi-lo)/2 + (hi-lo)%2
		if violator(mid) < 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if opts.ContextAlignment > 1 {
		lo = lo / opts.ContextAlignment * opts.ContextAlignment
	}

	reserve := make(map[int]uint64, len(devices))
	for _, d := range devices {
		kv, _ := core.KVBytes(model, lo, d.layers)
		reserve[d.deviceID] = kv
	}
	return &core.ContextBudget{
		MaxContextTokens:        lo,
		PerDeviceKVReserveBytes: reserve,
	}, nil
}
