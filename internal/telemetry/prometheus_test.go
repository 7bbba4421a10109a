package telemetry

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/common/model"
)

var _ = Describe("PrometheusCollector", func() {
	var querier *mockQuerier

	BeforeEach(func() {
		querier = &mockQuerier{
			results: map[string]model.Value{
				DCGMFramebufferUsed: gpuVector(map[string]float64{"0": 1024, "1": 2048}),
				DCGMFramebufferFree: gpuVector(map[string]float64{"0": 3072, "1": 6144}),
				DCGMGPUUtil:         gpuVector(map[string]float64{"0": 55}),
				DCGMPowerUsage:      gpuVector(map[string]float64{"0": 200, "1": 90}),
				DCGMPowerLimit:      gpuVector(map[string]float64{"0": 400, "1": 300}),
			},
			errors: map[string]error{},
		}
	})

	It("builds snapshots from DCGM gauges", func() {
		c := NewPrometheusCollector(querier, "")
		states, err := c.Collect(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(states).To(HaveLen(2))

		g0 := states[0]
		Expect(g0.DeviceID()).To(Equal(0))
		Expect(g0.Name()).To(Equal("NVIDIA A100"))
		Expect(g0.UsedBytes()).To(Equal(uint64(1024 * mib)))
		Expect(g0.TotalBytes()).To(Equal(uint64(4096 * mib)))
		Expect(g0.Utilization()).To(Equal(55.0))
		Expect(g0.PowerDraw()).To(Equal(200.0))
		Expect(g0.PowerLimit()).To(Equal(400.0))

		g1 := states[1]
		Expect(g1.FreeBytes()).To(Equal(uint64(6144 * mib)))
		Expect(g1.Utilization()).To(BeZero())
	})

	It("adds the label selector to every query", func() {
		c := NewPrometheusCollector(querier, `Hostname="node-1"`)
		_, err := c.Collect(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(querier.queries).To(ContainElement(`DCGM_FI_DEV_FB_USED{Hostname="node-1"}`))
		Expect(querier.queries).To(HaveLen(6))
	})

	It("skips GPUs without a free framebuffer reading", func() {
		querier.results[DCGMFramebufferFree] = gpuVector(map[string]float64{"1": 10})
		states, err := NewPrometheusCollector(querier, "").Collect(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(states).To(HaveLen(1))
		Expect(states[0].DeviceID()).To(Equal(1))
	})

	It("fails when memory cannot be read", func() {
		querier.errors[DCGMFramebufferUsed] = errors.New("connection refused")
		_, err := NewPrometheusCollector(querier, "").Collect(context.Background())
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
	})

	It("tolerates missing optional gauges", func() {
		querier.errors[DCGMGPUTemp] = errors.New("unknown metric")
		states, err := NewPrometheusCollector(querier, "").Collect(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(states).To(HaveLen(2))
		Expect(states[0].Temperature()).To(BeZero())
	})
})
