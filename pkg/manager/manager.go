package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/internal/metrics"
	"github.com/llm-d-incubation/gpu-split-optimizer/internal/telemetry"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/batch"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/solver"
)

var (
	// ErrNoDecision is returned while no placement has been computed yet.
	ErrNoDecision = errors.New("no placement decision yet")
	// ErrSuperseded is returned when telemetry kept changing under every attempt.
	ErrSuperseded = errors.New("rebalance superseded by newer telemetry")
	// ErrRebalanceTimeout is returned when the watchdog fires.
	ErrRebalanceTimeout = errors.New("rebalance timed out")
)

const rebalanceKey = "rebalance"

// rebalance outcomes, as counted by metrics
const (
	resultApplied    = "applied"
	resultReused     = "reused"
	resultRefit      = "refit"
	resultSuperseded = "superseded"
	resultFailed     = "failed"
)

// Decision is a placement with its context budget. Published decisions are never
// modified.
type Decision struct {
	Placement        *core.LayerPlacement
	Budget           *core.ContextBudget
	Generation       uint64 // telemetry generation the decision was computed from
	SolutionTimeMsec int64
	Reused           bool // placement carried over from the previous decision
	DecidedAt        time.Time
	PlacedAt         time.Time // last full rebalance that produced or confirmed the placement
}

func (d *Decision) PlacementData() config.PlacementData {
	data := d.Placement.Data()
	data.SolutionMsec = d.SolutionTimeMsec
	data.Generation = d.Generation
	return data
}

func (d *Decision) BudgetData() config.ContextBudgetData {
	return d.Budget.Data(config.RecommendedContextStep)
}

// Manager keeps the current decision in step with telemetry and feeds its
// context budget to the batch assembler.
type Manager struct {
	model     *core.ModelProfile
	optimizer *solver.Optimizer
	store     *telemetry.Store
	assembler *batch.Assembler
	emitter   *metrics.MetricsEmitter
	timeout   time.Duration
	interval  time.Duration
	now       func() time.Time

	group    singleflight.Group
	decision atomic.Pointer[Decision]

	optimize func(*core.ModelProfile, []core.GPUState, *core.LayerPlacement) (*solver.Result, error)
}

func NewManager(model *core.ModelProfile, optimizer *solver.Optimizer, store *telemetry.Store,
	assembler *batch.Assembler, emitter *metrics.MetricsEmitter) (*Manager, error) {
	if model == nil || optimizer == nil || store == nil || assembler == nil {
		return nil, core.NewError(core.InvalidConfig, "manager needs a model, an optimizer, a store and an assembler")
	}
	timeout, err := optimizer.Spec().RebalanceTimeoutDuration()
	if err != nil {
		return nil, core.NewError(core.InvalidConfig, "rebalance timeout: %v", err)
	}
	interval, err := optimizer.Spec().RebalanceIntervalDuration()
	if err != nil {
		return nil, core.NewError(core.InvalidConfig, "rebalance interval: %v", err)
	}
	return &Manager{
		model:     model,
		optimizer: optimizer,
		store:     store,
		assembler: assembler,
		emitter:   emitter,
		timeout:   timeout,
		interval:  interval,
		now:       time.Now,
		optimize:  optimizer.Optimize,
	}, nil
}

func (m *Manager) Model() *core.ModelProfile {
	return m.model
}

func (m *Manager) Store() *telemetry.Store {
	return m.store
}

// Decision returns the current decision, or nil.
func (m *Manager) Decision() *Decision {
	return m.decision.Load()
}

// Budget returns the current context budget, or nil.
func (m *Manager) Budget() *core.ContextBudget {
	if d := m.decision.Load(); d != nil {
		return d.Budget
	}
	return nil
}

// Rebalance recomputes the placement from the latest snapshots. Concurrent calls
// share one computation.
func (m *Manager) Rebalance(ctx context.Context) (*Decision, error) {
	v, err, shared := m.group.Do(rebalanceKey, func() (any, error) {
		return m.rebalance(ctx)
	})
	if shared {
		logger.Log.Debugw("Joined in-flight rebalance")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Decision), nil
}

func (m *Manager) rebalance(ctx context.Context) (*Decision, error) {
	for attempt := 1; attempt <= config.MaxRebalanceAttempts; attempt++ {
		snapshots, gen := m.store.View()
		current := m.decision.Load()
		var previous *core.LayerPlacement
		if current != nil {
			previous = current.Placement
		}

		result, err := m.optimizeWithWatchdog(ctx, snapshots, previous)
		if err != nil {
			m.emitter.EmitRebalance(resultFailed)
			m.emitError(err)
			return nil, err
		}

		if now := m.store.Generation(); now != gen {
			logger.Log.Debugw("Rebalance superseded by newer telemetry",
				"attempt", attempt, "generation", gen, "latest", now)
			m.emitter.EmitRebalance(resultSuperseded)
			continue
		}

		now := m.now()
		next := &Decision{
			Placement:        result.Placement,
			Budget:           result.Budget,
			Generation:       gen,
			SolutionTimeMsec: result.SolutionTimeMsec,
			Reused:           result.Reused,
			DecidedAt:        now,
			PlacedAt:         now,
		}
		if !m.decision.CompareAndSwap(current, next) {
			// a refit landed meanwhile; recompute against it
			continue
		}
		m.published(next)
		if next.Reused {
			m.emitter.EmitRebalance(resultReused)
		} else {
			m.emitter.EmitRebalance(resultApplied)
			logger.Log.Infow("Placement updated", "layers", next.Placement.Assignment(),
				"maxContext", next.Budget.MaxContextTokens, "generation", gen,
				"solutionMsec", next.SolutionTimeMsec)
		}
		return next, nil
	}
	return nil, ErrSuperseded
}

// optimizeWithWatchdog abandons an optimization that outlives the rebalance timeout.
// The abandoned result is dropped.
func (m *Manager) optimizeWithWatchdog(ctx context.Context, snapshots []core.GPUState,
	previous *core.LayerPlacement) (*solver.Result, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	type outcome struct {
		result *solver.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := m.optimize(m.model, snapshots, previous)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrRebalanceTimeout, m.timeout)
		}
		return nil, ctx.Err()
	}
}

// Refit recomputes the context budget of the current placement against the latest
// snapshots. A placement that no longer fits triggers a rebalance; its error is
// returned only if that rebalance fails too.
func (m *Manager) Refit(ctx context.Context) (*Decision, error) {
	current := m.decision.Load()
	if current == nil {
		return m.Rebalance(ctx)
	}

	snapshots, gen := m.store.View()
	budget, err := m.optimizer.Fit(m.model, current.Placement, snapshots)
	if err != nil {
		if errors.Is(err, core.ErrPlacementExceedsMemory) {
			logger.Log.Infow("Placement no longer fits, rebalancing", "reason", err.Error())
			return m.Rebalance(ctx)
		}
		m.emitError(err)
		return nil, err
	}

	next := &Decision{
		Placement:        current.Placement,
		Budget:           budget,
		Generation:       gen,
		SolutionTimeMsec: current.SolutionTimeMsec,
		Reused:           true,
		DecidedAt:        m.now(),
		PlacedAt:         current.PlacedAt,
	}
	if !m.decision.CompareAndSwap(current, next) {
		return m.decision.Load(), nil
	}
	m.published(next)
	m.emitter.EmitRebalance(resultRefit)
	return next, nil
}

// Optimize is the periodic task. When telemetry moved past the current decision it
// refits the placement, which rebalances if the placement no longer fits. Once the
// placement is older than the rebalance interval it runs a full rebalance instead.
func (m *Manager) Optimize(ctx context.Context) error {
	if m.store.Len() == 0 {
		logger.Log.Debug("No telemetry yet, skipping optimization")
		return nil
	}
	d := m.decision.Load()
	if d != nil && d.Generation == m.store.Generation() {
		return nil
	}
	if d == nil || m.now().Sub(d.PlacedAt) >= m.interval {
		_, err := m.Rebalance(ctx)
		return err
	}
	_, err := m.Refit(ctx)
	return err
}

// PublishSnapshots adds externally collected snapshots to the store.
func (m *Manager) PublishSnapshots(specs []config.GPUStateSpec) (uint64, error) {
	now := time.Now()
	states := make([]core.GPUState, len(specs))
	for i := range specs {
		g, err := core.NewGPUStateAt(&specs[i], now)
		if err != nil {
			return 0, err
		}
		states[i] = g
	}
	return m.store.Publish(states...)
}

// Enqueue queues a request for batching.
func (m *Manager) Enqueue(seqLen int) (core.Request, error) {
	return m.assembler.Enqueue(seqLen)
}

// Flush assembles the pending queue against the current budget.
func (m *Manager) Flush() ([]core.Batch, []core.Rejection, error) {
	budget := m.Budget()
	if budget == nil {
		return nil, nil, ErrNoDecision
	}
	batches, rejections := m.assembler.Flush(budget)
	return batches, rejections, nil
}

func (m *Manager) RecordBatchStats(stats batch.BatchStats) {
	m.assembler.RecordBatchStats(stats)
}

// Bucket returns the bucket of a sequence length under the configured policy.
func (m *Manager) Bucket(seqLen int) int {
	return m.assembler.Policy().Bucket(seqLen)
}

func (m *Manager) Pending() map[int]int {
	return m.assembler.Pending()
}

// RunAssembler flushes batches on a cadence until ctx is done.
func (m *Manager) RunAssembler(ctx context.Context, interval time.Duration, dispatch batch.DispatchFunc) {
	m.assembler.Run(ctx, interval, m.Budget, dispatch)
}

func (m *Manager) published(d *Decision) {
	m.emitter.EmitPlacement(d.Placement.Assignment(), d.Budget.MaxContextTokens)
}

func (m *Manager) emitError(err error) {
	kind := core.KindOf(err)
	if kind == 0 {
		m.emitter.EmitError("internal")
		return
	}
	m.emitter.EmitError(kind.String())
}
