package solver

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	"k8s.io/utils/ptr"
)

// Optimizer runs the balancer and the context fitter with configured options.
// It holds no per-call state and may be shared.
type Optimizer struct {
	spec             *config.OptimizerSpec
	solutionTimeMsec atomic.Int64
}

// Result of one optimization
type Result struct {
	Placement        *core.LayerPlacement
	Budget           *core.ContextBudget
	Reused           bool // previous placement kept by hysteresis
	SolutionTimeMsec int64
}

// Create optimizer from spec; unset fields take defaults.
func NewOptimizerFromSpec(spec *config.OptimizerSpec) (*Optimizer, error) {
	if spec == nil {
		spec = config.DefaultOptimizerSpec()
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, core.NewError(core.InvalidConfig, "%v", err)
	}
	return &Optimizer{spec: spec}, nil
}

// Create optimizer from serialized (YAML or JSON) spec
func NewOptimizerFromBytes(data []byte) (*Optimizer, error) {
	spec, err := config.ParseOptimizerConfig(data)
	if err != nil {
		return nil, err
	}
	return &Optimizer{spec: spec}, nil
}

func (o *Optimizer) Spec() *config.OptimizerSpec {
	return o.spec
}

func (o *Optimizer) BalanceOptions(previous *core.LayerPlacement) BalanceOptions {
	return BalanceOptions{
		SafetyMarginPct:       *o.spec.SafetyMarginPct,
		MinKVReserveTokens:    *o.spec.MinKVReserveTokens,
		ReserveBytes:          ptr.Deref(o.spec.ReserveBytes, 0),
		Previous:              previous,
		RebalanceThresholdPct: *o.spec.RebalanceThresholdPct,
	}
}

func (o *Optimizer) FitOptions() FitOptions {
	return FitOptions{
		SafetyMarginPct:     *o.spec.SafetyMarginPct,
		ReserveBytes:        ptr.Deref(o.spec.ReserveBytes, 0),
		MaxRequestedContext: *o.spec.MaxRequestedContext,
		ContextAlignment:    *o.spec.ContextAlignment,
	}
}

// Optimize balances layers (keeping previous when hysteresis allows) and fits the
// context to the resulting placement.
func (o *Optimizer) Optimize(model *core.ModelProfile, snapshots []core.GPUState, previous *core.LayerPlacement) (*Result, error) {
	startTime := time.Now()
	placement, err := Balance(model, snapshots, o.BalanceOptions(previous))
	if err != nil {
		return nil, err
	}
	budget, err := FitContext(model, placement, snapshots, o.FitOptions())
	if err != nil {
		return nil, err
	}
	msec := time.Since(startTime).Milliseconds()
	o.solutionTimeMsec.Store(msec)
	return &Result{
		Placement:        placement,
		Budget:           budget,
		Reused:           previous != nil && placement == previous,
		SolutionTimeMsec: msec,
	}, nil
}

// Fit re-fits the context of an existing placement.
func (o *Optimizer) Fit(model *core.ModelProfile, placement *core.LayerPlacement, snapshots []core.GPUState) (*core.ContextBudget, error) {
	return FitContext(model, placement, snapshots, o.FitOptions())
}

// GetSolutionTimeMsec returns the duration of the last Optimize.
func (o *Optimizer) GetSolutionTimeMsec() int64 {
	return o.solutionTimeMsec.Load()
}

func (r *Result) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%v\n", r.Placement)
	fmt.Fprintf(&b, "%v\n", r.Budget)
	fmt.Fprintf(&b, "Reused: %v; solution time: %d msec\n", r.Reused, r.SolutionTimeMsec)
	return b.String()
}
