package telemetry

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
)

func gpu(id int, total, used uint64) core.GPUState {
	g, err := core.NewGPUStateFromSpec(&config.GPUStateSpec{DeviceID: id, TotalVRAMBytes: total, UsedVRAMBytes: used})
	Expect(err).NotTo(HaveOccurred())
	return g
}

var _ = Describe("Store", func() {
	var store *Store

	BeforeEach(func() {
		store = NewStore()
	})

	It("starts empty at generation zero", func() {
		Expect(store.Snapshots()).To(BeEmpty())
		Expect(store.Generation()).To(BeZero())
	})

	It("merges published snapshots", func() {
		gen, err := store.Publish(gpu(1, 100, 10), gpu(0, 100, 20))
		Expect(err).NotTo(HaveOccurred())
		Expect(gen).To(Equal(uint64(1)))

		_, err = store.Publish(gpu(1, 100, 50))
		Expect(err).NotTo(HaveOccurred())

		snaps, gen := store.View()
		Expect(gen).To(Equal(uint64(2)))
		Expect(snaps).To(HaveLen(2))
		Expect(snaps[0].DeviceID()).To(Equal(0))
		Expect(snaps[1].UsedBytes()).To(Equal(uint64(50)))
	})

	It("drops devices missing from a replace", func() {
		_, err := store.Publish(gpu(0, 100, 10), gpu(1, 100, 10))
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Replace(gpu(1, 100, 30))
		Expect(err).NotTo(HaveOccurred())

		Expect(store.Len()).To(Equal(1))
		_, ok := store.Device(0)
		Expect(ok).To(BeFalse())
		g, ok := store.Device(1)
		Expect(ok).To(BeTrue())
		Expect(g.UsedBytes()).To(Equal(uint64(30)))
	})

	It("rejects a device reported twice", func() {
		_, err := store.Publish(gpu(0, 100, 10), gpu(0, 100, 20))
		Expect(err).To(MatchError(core.ErrInvalidSnapshot))
		Expect(store.Generation()).To(BeZero())
	})

	It("counts every concurrent publish", func() {
		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := store.Publish(gpu(i%4, 100, uint64(i)))
				Expect(err).NotTo(HaveOccurred())
			}()
		}
		wg.Wait()
		Expect(store.Generation()).To(Equal(uint64(50)))
		Expect(store.Len()).To(Equal(4))
	})
})
