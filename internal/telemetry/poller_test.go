package telemetry

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
)

type staticCollector struct {
	specs []config.GPUStateSpec
	err   error
}

func (c *staticCollector) Name() string { return "static" }

func (c *staticCollector) Collect(ctx context.Context) ([]core.GPUState, error) {
	if c.err != nil {
		return nil, c.err
	}
	var states []core.GPUState
	for i := range c.specs {
		g, err := core.NewGPUStateFromSpec(&c.specs[i])
		if err != nil {
			return nil, err
		}
		states = append(states, g)
	}
	return states, nil
}

var _ = Describe("Poller", func() {
	var (
		store     *Store
		collector *staticCollector
		poller    *Poller
	)

	BeforeEach(func() {
		store = NewStore()
		collector = &staticCollector{specs: []config.GPUStateSpec{
			{DeviceID: 0, TotalVRAMBytes: 100, UsedVRAMBytes: 10},
			{DeviceID: 1, TotalVRAMBytes: 100, UsedVRAMBytes: 96},
		}}
		poller = NewPoller(collector, store, NewSmoother(0, 0), nil)
	})

	It("publishes collected snapshots", func() {
		Expect(poller.Poll(context.Background())).To(Succeed())
		Expect(store.Generation()).To(Equal(uint64(1)))
		Expect(store.Len()).To(Equal(2))
	})

	It("tracks alert levels per device", func() {
		Expect(poller.Poll(context.Background())).To(Succeed())
		level, ok := poller.Alert(1)
		Expect(ok).To(BeTrue())
		Expect(level).To(Equal(core.AlertEmergency))
		level, _ = poller.Alert(0)
		Expect(level).To(Equal(core.AlertNormal))

		collector.specs[1].UsedVRAMBytes = 50
		Expect(poller.Poll(context.Background())).To(Succeed())
		level, _ = poller.Alert(1)
		Expect(level).To(BeNumerically("<", core.AlertEmergency))
	})

	It("leaves the store alone when collection fails", func() {
		collector.err = errors.New("driver gone")
		err := poller.Poll(context.Background())
		Expect(err).To(MatchError(ContainSubstring("driver gone")))
		Expect(store.Generation()).To(BeZero())
	})

	It("works with the mock collector end to end", func() {
		p := NewPoller(NewMockCollector(2), store, nil, nil)
		Expect(p.Poll(context.Background())).To(Succeed())
		g, ok := store.Device(0)
		Expect(ok).To(BeTrue())
		Expect(g.TotalBytes()).To(Equal(uint64(24 * gib)))
	})
})
