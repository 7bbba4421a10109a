package core

import (
	"math"
	"math/bits"
)

// parameters in one transformer layer per hidden^2 (attention 4, MLP 8)
const paramsPerHiddenSquared = 12

// LayerBytes is the weight footprint of one layer. Derived values round up.
func LayerBytes(m *ModelProfile) (uint64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	if m.baseWeightBytesPerLayer > 0 {
		return m.baseWeightBytesPerLayer, nil
	}
	h := uint64(m.hiddenSize)
	params := SatMul(SatMul(h, h), paramsPerHiddenSquared)
	return ceilScale(params, m.bytesPerParam), nil
}

// KVBytesPerTokenPerLayer is the declared per-token KV footprint of one layer, or
// keys plus values at full hidden width when none is declared.
func KVBytesPerTokenPerLayer(m *ModelProfile) (uint64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	if m.kvCacheBytesPerTokenPerLayer > 0 {
		return m.kvCacheBytesPerTokenPerLayer, nil
	}
	return ceilScale(SatMul(2, uint64(m.hiddenSize)), m.bytesPerParam), nil
}

// KVBytes is the KV cache footprint of contextLen tokens on a device holding
// layersOnDevice layers. It saturates instead of wrapping.
func KVBytes(m *ModelProfile, contextLen, layersOnDevice int) (uint64, error) {
	perToken, err := KVBytesPerTokenPerLayer(m)
	if err != nil {
		return 0, err
	}
	if contextLen <= 0 || layersOnDevice <= 0 {
		return 0, nil
	}
	return SatMul(SatMul(perToken, uint64(contextLen)), uint64(layersOnDevice)), nil
}

// SatMul multiplies, saturating at MaxUint64.
func SatMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// SatAdd adds, saturating at MaxUint64.
func SatAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func ceilScale(n uint64, factor float64) uint64 {
	v := math.Ceil(float64(n) * factor)
	if v >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(v)
}
