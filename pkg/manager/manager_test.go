package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/telemetry"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/batch"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/solver"
)

const gb = uint64(1_000_000_000)

const testOptimizerConfig = `
spec:
  safetyMarginPct: 0
  minKVReserveTokens: 0
  maxRequestedContext: 8192
  rebalanceTimeout: 1s
`

func testModel() *core.ModelProfile {
	m, err := core.NewModelProfileFromSpec(&config.ModelProfileSpec{
		Name:                         "test",
		NumLayers:                    32,
		BytesPerParam:                2,
		BaseWeightBytesPerLayer:      4 * gb / 10,
		KVCacheBytesPerTokenPerLayer: 1000,
	})
	Expect(err).NotTo(HaveOccurred())
	return m
}

// publish sets each device's free memory; every device has 1 GB in use
func publish(store *telemetry.Store, free ...uint64) {
	states := make([]core.GPUState, len(free))
	for i, f := range free {
		g, err := core.NewGPUStateFromSpec(&config.GPUStateSpec{DeviceID: i, TotalVRAMBytes: f + gb, UsedVRAMBytes: gb})
		Expect(err).NotTo(HaveOccurred())
		states[i] = g
	}
	_, err := store.Replace(states...)
	Expect(err).NotTo(HaveOccurred())
}

var _ = Describe("Manager", func() {
	var (
		ctx   context.Context
		store *telemetry.Store
		mgr   *Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = telemetry.NewStore()
		optimizer, err := solver.NewOptimizerFromBytes([]byte(testOptimizerConfig))
		Expect(err).NotTo(HaveOccurred())
		assembler := batch.NewAssembler(batch.Pow2Policy{Step: 32}, batch.AssemblerConfig{}, nil)
		mgr, err = NewManager(testModel(), optimizer, store, assembler, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	Context("before any decision", func() {
		It("has no budget", func() {
			Expect(mgr.Decision()).To(BeNil())
			Expect(mgr.Budget()).To(BeNil())
			_, _, err := mgr.Flush()
			Expect(err).To(MatchError(ErrNoDecision))
		})

		It("skips optimization without telemetry", func() {
			Expect(mgr.Optimize(ctx)).To(Succeed())
			Expect(mgr.Decision()).To(BeNil())
		})

		It("rejects missing dependencies", func() {
			_, err := NewManager(nil, nil, store, nil, nil)
			Expect(err).To(MatchError(core.ErrInvalidConfig))
		})
	})

	Context("rebalancing", func() {
		BeforeEach(func() {
			publish(store, 6*gb, 10*gb)
		})

		It("splits layers in proportion to headroom", func() {
			d, err := mgr.Rebalance(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Placement.Assignment()).To(Equal(map[int]int{0: 12, 1: 20}))
			Expect(d.Budget.MaxContextTokens).To(Equal(8192))
			Expect(d.Generation).To(Equal(uint64(1)))
			Expect(mgr.Decision()).To(BeIdenticalTo(d))

			data := d.PlacementData()
			Expect(data.Generation).To(Equal(uint64(1)))
			Expect(d.BudgetData().RecommendedContext).To(Equal(8192))
		})

		It("does nothing while telemetry is unchanged", func() {
			Expect(mgr.Optimize(ctx)).To(Succeed())
			first := mgr.Decision()
			Expect(mgr.Optimize(ctx)).To(Succeed())
			Expect(mgr.Decision()).To(BeIdenticalTo(first))
		})

		It("keeps the placement when telemetry barely moves", func() {
			Expect(mgr.Optimize(ctx)).To(Succeed())
			first := mgr.Decision()

			publish(store, 6*gb, 10*gb)
			Expect(mgr.Optimize(ctx)).To(Succeed())
			second := mgr.Decision()
			Expect(second).NotTo(BeIdenticalTo(first))
			Expect(second.Reused).To(BeTrue())
			Expect(second.Placement).To(BeIdenticalTo(first.Placement))
			Expect(second.Generation).To(Equal(uint64(2)))
		})

		It("fails when the devices cannot hold the model", func() {
			publish(store, gb, gb)
			_, err := mgr.Rebalance(ctx)
			Expect(errors.Is(err, core.ErrInsufficientAggregateVRAM)).To(BeTrue())
			Expect(mgr.Decision()).To(BeNil())
		})

		It("discards results computed from stale telemetry", func() {
			var calls atomic.Int32
			base := mgr.optimize
			mgr.optimize = func(m *core.ModelProfile, s []core.GPUState, p *core.LayerPlacement) (*solver.Result, error) {
				r, err := base(m, s, p)
				if calls.Add(1) == 1 {
					publish(store, 6*gb, 10*gb)
				}
				return r, err
			}

			d, err := mgr.Rebalance(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(2)))
			Expect(d.Generation).To(Equal(uint64(2)))
		})

		It("gives up when telemetry keeps changing", func() {
			var calls atomic.Int32
			base := mgr.optimize
			mgr.optimize = func(m *core.ModelProfile, s []core.GPUState, p *core.LayerPlacement) (*solver.Result, error) {
				calls.Add(1)
				publish(store, 6*gb, 10*gb)
				return base(m, s, p)
			}

			_, err := mgr.Rebalance(ctx)
			Expect(err).To(MatchError(ErrSuperseded))
			Expect(calls.Load()).To(Equal(int32(config.MaxRebalanceAttempts)))
			Expect(mgr.Decision()).To(BeNil())
		})

		It("abandons an optimization past the watchdog", func() {
			mgr.timeout = 10 * time.Millisecond
			release := make(chan struct{})
			defer close(release)
			mgr.optimize = func(*core.ModelProfile, []core.GPUState, *core.LayerPlacement) (*solver.Result, error) {
				<-release
				return nil, errors.New("unreachable")
			}

			_, err := mgr.Rebalance(ctx)
			Expect(err).To(MatchError(ErrRebalanceTimeout))
		})

		It("runs one rebalance for concurrent callers", func() {
			var calls atomic.Int32
			base := mgr.optimize
			mgr.optimize = func(m *core.ModelProfile, s []core.GPUState, p *core.LayerPlacement) (*solver.Result, error) {
				calls.Add(1)
				time.Sleep(100 * time.Millisecond)
				return base(m, s, p)
			}

			const callers = 16
			var wg sync.WaitGroup
			decisions := make([]*Decision, callers)
			for i := range callers {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					d, err := mgr.Rebalance(ctx)
					Expect(err).NotTo(HaveOccurred())
					decisions[i] = d
				}()
			}
			wg.Wait()

			Expect(calls.Load()).To(BeNumerically("<", callers))
			for _, d := range decisions {
				Expect(d.Placement.Assignment()).To(Equal(map[int]int{0: 12, 1: 20}))
			}
		})
	})

	Context("refitting", func() {
		BeforeEach(func() {
			publish(store, 6*gb, 10*gb)
			_, err := mgr.Rebalance(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("keeps the placement and refreshes the budget", func() {
			first := mgr.Decision()
			publish(store, 8*gb, 12*gb)

			d, err := mgr.Refit(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Placement).To(BeIdenticalTo(first.Placement))
			Expect(d.Generation).To(Equal(uint64(2)))
			Expect(d.Reused).To(BeTrue())
		})

		It("rebalances when the placement no longer fits", func() {
			publish(store, 2*gb, 16*gb)

			d, err := mgr.Refit(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Placement.Layers(0)).To(BeNumerically("<=", 5))
			Expect(d.Placement.Layers(0) + d.Placement.Layers(1)).To(Equal(32))
			Expect(d.Generation).To(Equal(uint64(2)))
		})

		It("surfaces the error when the rebalance fails too", func() {
			publish(store, gb, gb)

			_, err := mgr.Refit(ctx)
			Expect(errors.Is(err, core.ErrInsufficientAggregateVRAM)).To(BeTrue())
			Expect(mgr.Decision().Generation).To(Equal(uint64(1)))
		})
	})

	Context("periodic optimization", func() {
		var searches atomic.Int32

		BeforeEach(func() {
			searches.Store(0)
			base := mgr.optimize
			mgr.optimize = func(m *core.ModelProfile, s []core.GPUState, p *core.LayerPlacement) (*solver.Result, error) {
				searches.Add(1)
				return base(m, s, p)
			}
			publish(store, 6*gb, 10*gb)
			Expect(mgr.Optimize(ctx)).To(Succeed())
			Expect(searches.Load()).To(Equal(int32(1)))
		})

		It("refits a recent placement on new telemetry", func() {
			first := mgr.Decision()
			publish(store, 8*gb, 12*gb)

			Expect(mgr.Optimize(ctx)).To(Succeed())
			d := mgr.Decision()
			Expect(searches.Load()).To(Equal(int32(1)))
			Expect(d.Placement).To(BeIdenticalTo(first.Placement))
			Expect(d.Generation).To(Equal(uint64(2)))
			Expect(d.PlacedAt).To(Equal(first.PlacedAt))
		})

		It("rebalances when the placement no longer fits", func() {
			publish(store, 2*gb, 16*gb)

			Expect(mgr.Optimize(ctx)).To(Succeed())
			d := mgr.Decision()
			Expect(searches.Load()).To(Equal(int32(2)))
			Expect(d.Placement.Layers(0)).To(BeNumerically("<=", 5))
			Expect(d.Placement.Layers(0) + d.Placement.Layers(1)).To(Equal(32))
			Expect(d.Generation).To(Equal(uint64(2)))
		})

		It("returns the error when the rebalance fails too", func() {
			publish(store, gb, gb)

			err := mgr.Optimize(ctx)
			Expect(errors.Is(err, core.ErrInsufficientAggregateVRAM)).To(BeTrue())
			Expect(mgr.Decision().Generation).To(Equal(uint64(1)))
		})

		It("runs a full rebalance once the placement is older than the interval", func() {
			first := mgr.Decision()
			mgr.now = func() time.Time { return time.Now().Add(time.Hour) }
			publish(store, 8*gb, 12*gb)

			Expect(mgr.Optimize(ctx)).To(Succeed())
			d := mgr.Decision()
			Expect(searches.Load()).To(Equal(int32(2)))
			Expect(d.Generation).To(Equal(uint64(2)))
			Expect(d.PlacedAt).To(BeTemporally(">", first.PlacedAt))
		})
	})

	Context("batching", func() {
		BeforeEach(func() {
			publish(store, 6*gb, 10*gb)
			_, err := mgr.Rebalance(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("batches against the current budget", func() {
			_, err := mgr.Enqueue(100)
			Expect(err).NotTo(HaveOccurred())
			_, err = mgr.Enqueue(9000)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.Pending()).To(Equal(map[int]int{128: 1, 16384: 1}))

			batches, rejections, err := mgr.Flush()
			Expect(err).NotTo(HaveOccurred())
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].Bucket).To(Equal(128))
			Expect(rejections).To(HaveLen(1))
			Expect(rejections[0].Err).To(MatchError(core.ErrRequestExceedsContext))
		})

		It("reports buckets of the configured policy", func() {
			Expect(mgr.Bucket(200)).To(Equal(256))
			Expect(mgr.Bucket(32)).To(Equal(32))
		})

		It("forwards batch outcomes to backpressure", func() {
			mgr.RecordBatchStats(batch.BatchStats{BatchSize: 8, OOMEvents: 1})
			Expect(mgr.assembler.Backpressure().Active()).To(BeTrue())
		})

		It("dispatches from the assembler loop", func() {
			_, err := mgr.Enqueue(64)
			Expect(err).NotTo(HaveOccurred())

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			got := make(chan int, 1)
			go mgr.RunAssembler(runCtx, time.Millisecond, func(batches []core.Batch, _ []core.Rejection) {
				select {
				case got <- len(batches):
				default:
				}
			})
			Eventually(got).Should(Receive(Equal(1)))
		})
	})

	Context("publishing snapshots", func() {
		It("validates and stores them", func() {
			gen, err := mgr.PublishSnapshots([]config.GPUStateSpec{{DeviceID: 0, TotalVRAMBytes: 10, UsedVRAMBytes: 5}})
			Expect(err).NotTo(HaveOccurred())
			Expect(gen).To(Equal(uint64(1)))

			_, err = mgr.PublishSnapshots([]config.GPUStateSpec{{DeviceID: 0, TotalVRAMBytes: 10, UsedVRAMBytes: 50}})
			Expect(err).To(MatchError(core.ErrInvalidSnapshot))
			Expect(store.Generation()).To(Equal(uint64(1)))
		})
	})
})
