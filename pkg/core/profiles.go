package core

import (
	"maps"
	"math"
	"slices"
	"strings"
)

// Preset is a built-in architecture description.
type Preset struct {
	NumLayers   int
	NumHeads    int
	NumKVHeads  int
	HiddenSize  int
	TotalParams float64
	MoEFactor   float64 // KV multiplier for mixture-of-experts models
}

var presets = map[string]Preset{
	"llama-2-7b":   {NumLayers: 32, NumHeads: 32, NumKVHeads: 32, HiddenSize: 4096, TotalParams: 6.74e9, MoEFactor: 1},
	"llama-2-13b":  {NumLayers: 40, NumHeads: 40, NumKVHeads: 40, HiddenSize: 5120, TotalParams: 13.0e9, MoEFactor: 1},
	"llama-2-70b":  {NumLayers: 80, NumHeads: 64, NumKVHeads: 8, HiddenSize: 8192, TotalParams: 69.0e9, MoEFactor: 1},
	"mistral-7b":   {NumLayers: 32, NumHeads: 32, NumKVHeads: 8, HiddenSize: 4096, TotalParams: 7.24e9, MoEFactor: 1},
	"mixtral-8x7b": {NumLayers: 32, NumHeads: 32, NumKVHeads: 8, HiddenSize: 4096, TotalParams: 46.7e9, MoEFactor: 1.5},
	"phi-2":        {NumLayers: 32, NumHeads: 32, NumKVHeads: 32, HiddenSize: 2560, TotalParams: 2.78e9, MoEFactor: 1},
}

// weight size relative to fp16
var quantizationFactors = map[string]float64{
	"NONE":   1.0,
	"INT8":   0.5,
	"INT4":   0.25,
	"GPTQ":   0.25,
	"Q4_K_M": 0.27,
	"Q5_K_M": 0.33,
	"Q8_0":   0.52,
	"AWQ":    0.25,
}

// bytes of one fp16 value; KV cache is kept at fp16 regardless of weight quantization
const fp16Bytes = 2

// PresetNames lists the built-in architectures.
func PresetNames() []string {
	return slices.Sorted(maps.Keys(presets))
}

// LookupPreset finds a preset by case-insensitive name.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[strings.ToLower(name)]
	return p, ok
}

// QuantizationFactor returns the weight size factor of a quantization scheme.
// An empty name means unquantized.
func QuantizationFactor(name string) (float64, bool) {
	if name == "" {
		return 1.0, true
	}
	f, ok := quantizationFactors[strings.ToUpper(name)]
	return f, ok
}

// ProfileFromPreset builds a model profile for a preset at a quantization.
func ProfileFromPreset(name, quantization string) (*ModelProfile, error) {
	p, ok := LookupPreset(name)
	if !ok {
		return nil, NewError(InvalidModelProfile, "unknown model preset %q", name)
	}
	factor, ok := QuantizationFactor(quantization)
	if !ok {
		return nil, NewError(InvalidModelProfile, "unknown quantization %q", quantization)
	}
	bytesPerParam := fp16Bytes * factor
	headDim := p.HiddenSize / p.NumHeads
	kv := math.Ceil(2 * float64(p.NumKVHeads*headDim*fp16Bytes) * p.MoEFactor)
	m := &ModelProfile{
		name:                         strings.ToLower(name),
		numLayers:                    p.NumLayers,
		hiddenSize:                   p.HiddenSize,
		numAttentionHeads:            p.NumHeads,
		bytesPerParam:                bytesPerParam,
		baseWeightBytesPerLayer:      uint64(math.Ceil(p.TotalParams * bytesPerParam / float64(p.NumLayers))),
		kvCacheBytesPerTokenPerLayer: uint64(kv),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
