package batch

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/internal/metrics"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrQueueFull is returned by Enqueue when the pending queue is at capacity.
var ErrQueueFull = errors.New("pending request queue is full")

// AssembleOptions limit batch formation.
type AssembleOptions struct {
	MaxBatchSize   int // max requests per batch; <= 0 means unlimited
	MaxBatchTokens int // padded-token cap below max context; <= 0 means none
}

// Assemble groups pending requests into batches by bucket. Requests stay in arrival
// order within a bucket. A batch closes when one more request would push its padded
// tokens past the token cap or when it reaches MaxBatchSize. Batches come out oldest
// first. Requests longer than the token cap (the max context, or MaxBatchTokens when
// lower) are rejected one by one and do not hold back the others.
func Assemble(pending []core.Request, policy BucketPolicy, budget *core.ContextBudget, opts AssembleOptions) ([]core.Batch, []core.Rejection) {
	maxContext := 0
	if budget != nil {
		maxContext = budget.MaxContextTokens
	}
	tokenCap := maxContext
	if opts.MaxBatchTokens > 0 && opts.MaxBatchTokens < tokenCap {
		tokenCap = opts.MaxBatchTokens
	}

	ordered := slices.Clone(pending)
	slices.SortStableFunc(ordered, func(a, b core.Request) int {
		return cmp.Compare(a.ArrivalOrder, b.ArrivalOrder)
	})

	var batches []core.Batch
	var rejections []core.Rejection
	open := make(map[int]*core.Batch)
	for _, r := range ordered {
		if r.SequenceLength <= 0 || r.SequenceLength > tokenCap {
			e := core.NewError(core.RequestExceedsContext, "request %d of %d tokens, max context is %d, batch token cap is %d",
				r.ArrivalOrder, r.SequenceLength, maxContext, tokenCap)
			rejections = append(rejections, core.Rejection{Request: r, Err: e})
			continue
		}
		// padding past the token cap buys nothing
		bucket := min(policy.Bucket(r.SequenceLength), tokenCap)

		b := open[bucket]
		if b != nil && batchFull(b, bucket, tokenCap, opts.MaxBatchSize) {
			batches = append(batches, *b)
			b = nil
		}
		if b == nil {
			b = &core.Batch{Bucket: bucket}
			open[bucket] = b
		}
		b.Requests = append(b.Requests, r)
	}
	for _, b := range open {
		batches = append(batches, *b)
	}

	slices.SortStableFunc(batches, func(a, b core.Batch) int {
		return cmp.Compare(a.Requests[0].ArrivalOrder, b.Requests[0].ArrivalOrder)
	})
	return batches, rejections
}

func batchFull(b *core.Batch, bucket, tokenCap, maxBatchSize int) bool {
	n := len(b.Requests)
	if maxBatchSize > 0 && n >= maxBatchSize {
		return true
	}
	return bucket*(n+1) > tokenCap
}

// AssemblerConfig sizes an Assembler.
type AssemblerConfig struct {
	AssembleOptions
	MaxQueue int // max pending requests; <= 0 means unlimited
}

// Assembler owns the pending request queue. Producers call Enqueue; only the
// assembler removes requests, when it flushes them into batches.
type Assembler struct {
	mu        sync.Mutex
	policy    BucketPolicy
	config    AssemblerConfig
	pending   []core.Request
	nextOrder int

	backpressure *Backpressure
	emitter      *metrics.MetricsEmitter
	now          func() time.Time
}

func NewAssembler(policy BucketPolicy, config AssemblerConfig, emitter *metrics.MetricsEmitter) *Assembler {
	return &Assembler{
		policy:       policy,
		config:       config,
		backpressure: NewBackpressure(),
		emitter:      emitter,
		now:          time.Now,
	}
}

func (a *Assembler) Policy() BucketPolicy {
	return a.policy
}

// Enqueue appends a request and assigns its arrival order.
func (a *Assembler) Enqueue(seqLen int) (core.Request, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.config.MaxQueue > 0 && len(a.pending) >= a.config.MaxQueue {
		return core.Request{}, ErrQueueFull
	}
	r := core.Request{
		SequenceLength: seqLen,
		ArrivalOrder:   a.nextOrder,
		EnqueuedAt:     a.now(),
	}
	a.nextOrder++
	a.pending = append(a.pending, r)
	a.emitter.EmitQueueDepth(a.depthLocked())
	return r, nil
}

// Pending returns the number of queued requests per bucket.
func (a *Assembler) Pending() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.depthLocked()
}

func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Assembler) depthLocked() map[int]int {
	depth := make(map[int]int)
	for _, r := range a.pending {
		depth[a.policy.Bucket(r.SequenceLength)]++
	}
	return depth
}

// Flush assembles every pending request against the budget and empties the queue.
func (a *Assembler) Flush(budget *core.ContextBudget) ([]core.Batch, []core.Rejection) {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		a.emitter.EmitQueueDepth(nil)
		return nil, nil
	}

	opts := a.config.AssembleOptions
	opts.MaxBatchSize = a.backpressure.Limit(opts.MaxBatchSize)
	batches, rejections := Assemble(pending, a.policy, budget, opts)

	now := a.now()
	for i := range batches {
		b := &batches[i]
		waited := 0.0
		if oldest := b.Requests[0].EnqueuedAt; !oldest.IsZero() {
			waited = now.Sub(oldest).Seconds()
		}
		a.emitter.EmitBatch(b.Bucket, b.TotalPaddedTokens(), waited)
	}
	for _, r := range rejections {
		logger.Log.Debugw("Request rejected", "arrivalOrder", r.Request.ArrivalOrder,
			"sequenceLength", r.Request.SequenceLength, "error", r.Err)
	}
	a.emitter.EmitQueueDepth(nil)
	return batches, rejections
}

// RecordBatchStats feeds a batch outcome to the backpressure controller.
func (a *Assembler) RecordBatchStats(stats BatchStats) {
	a.backpressure.Record(stats)
	if stats.OOMEvents > 0 {
		logger.Log.Warnw("Out of memory reported by batch, shrinking batches",
			"oomEvents", stats.OOMEvents, "scale", a.backpressure.Scale())
	}
	a.emitter.EmitBackpressure(a.backpressure.Scale())
}

func (a *Assembler) Backpressure() *Backpressure {
	return a.backpressure
}

// DispatchFunc receives the output of one flush.
type DispatchFunc func(batches []core.Batch, rejections []core.Rejection)

// Run flushes at a fixed interval until ctx is done. Nothing is flushed while
// budgetFn returns nil.
func (a *Assembler) Run(ctx context.Context, interval time.Duration, budgetFn func() *core.ContextBudget, dispatch DispatchFunc) {
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		budget := budgetFn()
		if budget == nil || a.Len() == 0 {
			return
		}
		batches, rejections := a.Flush(budget)
		if len(batches) > 0 || len(rejections) > 0 {
			dispatch(batches, rejections)
		}
	}, interval)
}
