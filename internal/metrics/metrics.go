package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	layersPerDevice   *prometheus.GaugeVec
	maxContextTokens  prometheus.Gauge
	rebalanceTotal    *prometheus.CounterVec
	optimizerErrors   *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	batchPaddedTokens *prometheus.HistogramVec
	batchLatency      *prometheus.HistogramVec
	gpuMemoryUsed     *prometheus.GaugeVec
	gpuAlertLevel     *prometheus.GaugeVec
	backpressureScale prometheus.Gauge

	initOnce sync.Once
	initErr  error
)

// InitMetrics registers all optimizer metrics with the provided registry. Only the
// first call registers; later calls return its result.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		layersPerDevice = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpusplit_layers_per_device",
				Help: "Model layers placed on each device",
			},
			[]string{"device"},
		)
		maxContextTokens = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gpusplit_max_context_tokens",
				Help: "Largest context length that fits the current placement",
			},
		)
		rebalanceTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpusplit_rebalance_total",
				Help: "Rebalance attempts by result",
			},
			[]string{"result"},
		)
		optimizerErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpusplit_optimizer_errors_total",
				Help: "Optimizer errors by kind",
			},
			[]string{"error_type"},
		)
		queueDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpusplit_queue_depth",
				Help: "Pending requests per bucket",
			},
			[]string{"bucket"},
		)
		batchPaddedTokens = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gpusplit_batch_padded_tokens",
				Help:    "Padded tokens of assembled batches",
				Buckets: prometheus.ExponentialBuckets(32, 2, 12),
			},
			[]string{"bucket"},
		)
		batchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gpusplit_batch_latency_seconds",
				Help:    "Time the oldest request of a batch waited in the queue",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"bucket"},
		)
		gpuMemoryUsed = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpusplit_gpu_memory_used_bytes",
				Help: "Used VRAM per device as seen by the optimizer",
			},
			[]string{"device"},
		)
		gpuAlertLevel = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpusplit_gpu_alert_level",
				Help: "Alert level per device (0 normal, 1 warning, 2 critical, 3 emergency)",
			},
			[]string{"device"},
		)
		backpressureScale = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gpusplit_backpressure_scale",
				Help: "Batch size scale applied after out-of-memory events",
			},
		)

		for _, c := range []prometheus.Collector{
			layersPerDevice, maxContextTokens, rebalanceTotal, optimizerErrors, queueDepth,
			batchPaddedTokens, batchLatency, gpuMemoryUsed, gpuAlertLevel, backpressureScale,
		} {
			if err := registry.Register(c); err != nil {
				initErr = err
				return
			}
		}
	})
	return initErr
}

// InitMetricsAndEmitter registers metrics and creates an emitter.
func InitMetricsAndEmitter(registry prometheus.Registerer) (*MetricsEmitter, error) {
	if err := InitMetrics(registry); err != nil {
		return nil, err
	}
	return NewMetricsEmitter(), nil
}

// MetricsEmitter writes optimizer metrics. A nil emitter, or one used before
// InitMetrics, does nothing.
type MetricsEmitter struct{}

func NewMetricsEmitter() *MetricsEmitter {
	return &MetricsEmitter{}
}

func (m *MetricsEmitter) ready() bool {
	return m != nil && layersPerDevice != nil && initErr == nil
}

// EmitPlacement publishes layer counts and the context budget.
func (m *MetricsEmitter) EmitPlacement(layers map[int]int, maxContext int) {
	if !m.ready() {
		return
	}
	layersPerDevice.Reset()
	for id, n := range layers {
		layersPerDevice.WithLabelValues(strconv.Itoa(id)).Set(float64(n))
	}
	maxContextTokens.Set(float64(maxContext))
}

// EmitRebalance counts a rebalance outcome (applied, reused, superseded, failed).
func (m *MetricsEmitter) EmitRebalance(result string) {
	if !m.ready() {
		return
	}
	rebalanceTotal.WithLabelValues(result).Inc()
}

func (m *MetricsEmitter) EmitError(errorType string) {
	if !m.ready() {
		return
	}
	optimizerErrors.WithLabelValues(errorType).Inc()
}

// EmitQueueDepth replaces the per-bucket depth gauges.
func (m *MetricsEmitter) EmitQueueDepth(depth map[int]int) {
	if !m.ready() {
		return
	}
	queueDepth.Reset()
	for bucket, n := range depth {
		queueDepth.WithLabelValues(strconv.Itoa(bucket)).Set(float64(n))
	}
}

func (m *MetricsEmitter) EmitBatch(bucket, paddedTokens int, waitSeconds float64) {
	if !m.ready() {
		return
	}
	label := strconv.Itoa(bucket)
	batchPaddedTokens.WithLabelValues(label).Observe(float64(paddedTokens))
	batchLatency.WithLabelValues(label).Observe(waitSeconds)
}

func (m *MetricsEmitter) EmitGPU(deviceID int, usedBytes uint64, alertLevel int) {
	if !m.ready() {
		return
	}
	label := strconv.Itoa(deviceID)
	gpuMemoryUsed.WithLabelValues(label).Set(float64(usedBytes))
	gpuAlertLevel.WithLabelValues(label).Set(float64(alertLevel))
}

func (m *MetricsEmitter) EmitBackpressure(scale float64) {
	if !m.ready() {
		return
	}
	backpressureScale.Set(scale)
}
