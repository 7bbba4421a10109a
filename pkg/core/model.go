package core

import (
	"fmt"
	"math"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
)

// ModelProfile describes the memory-relevant architecture of a loaded model.
// It is immutable once created.
type ModelProfile struct {
	name                         string
	numLayers                    int
	hiddenSize                   int
	numAttentionHeads            int
	bytesPerParam                float64
	baseWeightBytesPerLayer      uint64
	kvCacheBytesPerTokenPerLayer uint64
}

// NewModelProfileFromSpec builds a profile, resolving a preset if one is named.
func NewModelProfileFromSpec(spec *config.ModelProfileSpec) (*ModelProfile, error) {
	if spec.Preset != "" {
		m, err := ProfileFromPreset(spec.Preset, spec.Quantization)
		if err != nil {
			return nil, err
		}
		if spec.Name != "" {
			m.name = spec.Name
		}
		return m, nil
	}
	m := &ModelProfile{
		name:                         spec.Name,
		numLayers:                    spec.NumLayers,
		hiddenSize:                   spec.HiddenSize,
		numAttentionHeads:            spec.NumAttentionHeads,
		bytesPerParam:                spec.BytesPerParam,
		baseWeightBytesPerLayer:      spec.BaseWeightBytesPerLayer,
		kvCacheBytesPerTokenPerLayer: spec.KVCacheBytesPerTokenPerLayer,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate rejects profiles the cost model cannot price.
func (m *ModelProfile) Validate() error {
	if m.numLayers <= 0 {
		return NewError(InvalidModelProfile, "model %q: numLayers must be >= 1, got %d", m.name, m.numLayers)
	}
	if m.bytesPerParam <= 0 || math.IsNaN(m.bytesPerParam) || math.IsInf(m.bytesPerParam, 0) {
		return NewError(InvalidModelProfile, "model %q: bytesPerParam must be > 0, got %v", m.name, m.bytesPerParam)
	}
	if m.hiddenSize < 0 || m.numAttentionHeads < 0 {
		return NewError(InvalidModelProfile, "model %q: negative architecture dimension", m.name)
	}
	if m.baseWeightBytesPerLayer == 0 && m.hiddenSize == 0 {
		return NewError(InvalidModelProfile, "model %q: neither baseWeightBytesPerLayer nor hiddenSize is set", m.name)
	}
	return nil
}

func (m *ModelProfile) Name() string {
	return m.name
}

func (m *ModelProfile) NumLayers() int {
	return m.numLayers
}

func (m *ModelProfile) HiddenSize() int {
	return m.hiddenSize
}

func (m *ModelProfile) NumAttentionHeads() int {
	return m.numAttentionHeads
}

func (m *ModelProfile) BytesPerParam() float64 {
	return m.bytesPerParam
}

func (m *ModelProfile) Spec() config.ModelProfileSpec {
	return config.ModelProfileSpec{
		Name:                         m.name,
		NumLayers:                    m.numLayers,
		HiddenSize:                   m.hiddenSize,
		NumAttentionHeads:            m.numAttentionHeads,
		BytesPerParam:                m.bytesPerParam,
		BaseWeightBytesPerLayer:      m.baseWeightBytesPerLayer,
		KVCacheBytesPerTokenPerLayer: m.kvCacheBytesPerTokenPerLayer,
	}
}

func (m *ModelProfile) String() string {
	return fmt.Sprintf("Model: name=%s; layers=%d; hidden=%d; heads=%d; bytesPerParam=%v; layerBytes=%d; kvBytesPerTokenPerLayer=%d",
		m.name, m.numLayers, m.hiddenSize, m.numAttentionHeads, m.bytesPerParam,
		m.baseWeightBytesPerLayer, m.kvCacheBytesPerTokenPerLayer)
}
