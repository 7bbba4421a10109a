package telemetry

import (
	"math"
	"sync"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/core"
	kalman "github.com/llm-inferno/kalman-filter/pkg/core"
	"gonum.org/v1/gonum/mat"
)

// default noise levels, as fractions of the observed value
const (
	DefaultProcessNoise     = 0.05
	DefaultMeasurementNoise = 0.02
)

// smallest variance used, to keep the filter well conditioned near zero usage
const minVariance = float64(1 << 20)

// Smoother tracks used VRAM per device with a one-state Kalman filter. It never
// reports less than the raw reading: a spike passes through unchanged, while a
// sudden drop is released gradually.
type Smoother struct {
	mu               sync.Mutex
	processNoise     float64
	measurementNoise float64
	filters          map[int]*kalman.ExtendedKalmanFilter
}

func NewSmoother(processNoise, measurementNoise float64) *Smoother {
	if processNoise <= 0 {
		processNoise = DefaultProcessNoise
	}
	if measurementNoise <= 0 {
		measurementNoise = DefaultMeasurementNoise
	}
	return &Smoother{
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
		filters:          make(map[int]*kalman.ExtendedKalmanFilter),
	}
}

// Smooth returns the snapshots with used VRAM replaced by max(raw, estimate).
// Filters of devices missing from states are dropped.
func (s *Smoother) Smooth(states []core.GPUState) []core.GPUState {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int]bool, len(states))
	out := make([]core.GPUState, len(states))
	for i, g := range states {
		seen[g.DeviceID()] = true
		out[i] = g
		est, err := s.step(g)
		if err != nil {
			logger.Log.Debugw("Kalman step failed, using raw reading", "device", g.DeviceID(), "error", err)
			delete(s.filters, g.DeviceID())
			continue
		}
		if est > g.UsedBytes() {
			out[i] = g.WithUsedBytes(est)
		}
	}
	for id := range s.filters {
		if !seen[id] {
			delete(s.filters, id)
		}
	}
	return out
}

func (s *Smoother) step(g core.GPUState) (uint64, error) {
	raw := float64(g.UsedBytes())
	f, ok := s.filters[g.DeviceID()]
	if !ok {
		var err error
		if f, err = s.newFilter(g); err != nil {
			return 0, err
		}
		s.filters[g.DeviceID()] = f
		return g.UsedBytes(), nil
	}

	if err := f.Predict(s.variance(s.processNoise, raw)); err != nil {
		return 0, err
	}
	z := mat.NewVecDense(1, []float64{raw})
	if err := f.Update(z, s.variance(s.measurementNoise, raw)); err != nil {
		return 0, err
	}
	est := f.State().AtVec(0)
	if math.IsNaN(est) || est <= 0 {
		return 0, nil
	}
	return min(uint64(math.Ceil(est)), g.TotalBytes()), nil
}

func (s *Smoother) newFilter(g core.GPUState) (*kalman.ExtendedKalmanFilter, error) {
	raw := float64(g.UsedBytes())
	x0 := mat.NewVecDense(1, []float64{raw})
	f, err := kalman.NewExtendedKalmanFilter(1, 1, x0, s.variance(s.processNoise, raw))
	if err != nil {
		return nil, err
	}
	if err := f.SetQ(s.variance(s.processNoise, raw)); err != nil {
		return nil, err
	}
	if err := f.SetR(s.variance(s.measurementNoise, raw)); err != nil {
		return nil, err
	}
	if err := f.SetfF(identity); err != nil {
		return nil, err
	}
	if err := f.SethH(identity); err != nil {
		return nil, err
	}
	if err := f.SetStateLimiter([]float64{0}, []float64{float64(g.TotalBytes())}); err != nil {
		return nil, err
	}
	return f, nil
}

// variance of a reading with the given relative noise, as a 1x1 matrix
func (s *Smoother) variance(noise, v float64) *mat.Dense {
	sd := noise * v
	return mat.NewDense(1, 1, []float64{max(sd*sd, minVariance)})
}

// Len is the number of tracked devices.
func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filters)
}

func identity(x *mat.VecDense) *mat.VecDense {
	return mat.VecDenseCopyOf(x)
}
