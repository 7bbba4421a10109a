package telemetry

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MockCollector", func() {
	It("reports a 24GB and a 12GB device by default", func() {
		states, err := NewMockCollector(0).Collect(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(states).To(HaveLen(2))
		Expect(states[0].TotalBytes()).To(Equal(uint64(24 * gib)))
		Expect(states[0].PowerLimit()).To(Equal(350.0))
		Expect(states[1].TotalBytes()).To(Equal(uint64(12 * gib)))
		Expect(states[1].PowerLimit()).To(Equal(200.0))
	})

	It("keeps readings in range over many ticks", func() {
		c := NewMockCollector(3)
		for range 20 {
			states, err := c.Collect(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(HaveLen(3))
			for _, g := range states {
				Expect(g.UsedBytes()).To(BeNumerically("<=", g.TotalBytes()))
				Expect(g.Utilization()).To(BeNumerically(">=", 30))
				Expect(g.Utilization()).To(BeNumerically("<=", 90))
				Expect(g.PowerDraw()).To(BeNumerically("<", g.PowerLimit()))
			}
		}
	})

	It("is deterministic", func() {
		a, _ := NewMockCollector(2).Collect(context.Background())
		b, _ := NewMockCollector(2).Collect(context.Background())
		Expect(a[0].UsedBytes()).To(Equal(b[0].UsedBytes()))
		Expect(a[1].UsedBytes()).To(Equal(b[1].UsedBytes()))
	})

	It("stops on a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewMockCollector(2).Collect(ctx)
		Expect(err).To(MatchError(context.Canceled))
	})
})
