package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// LoadOptimizerConfig reads an optimizer spec from a YAML (or JSON) file, applies
// defaults and validates it.
func LoadOptimizerConfig(path string) (*OptimizerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read optimizer config %s: %w", path, err)
	}
	return ParseOptimizerConfig(data)
}

// ParseOptimizerConfig parses an optimizer spec, either bare or wrapped in a "spec" key.
func ParseOptimizerConfig(data []byte) (*OptimizerSpec, error) {
	var d OptimizerData
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse optimizer config: %w", err)
	}
	spec := d.Spec
	if isZeroOptimizerSpec(&spec) {
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse optimizer config: %w", err)
		}
	}
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadModelProfile reads a model profile spec from a YAML (or JSON) file.
func LoadModelProfile(path string) (*ModelProfileSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model profile %s: %w", path, err)
	}
	var d ModelData
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse model profile %s: %w", path, err)
	}
	if d.Spec.Name == "" && d.Spec.Preset == "" && d.Spec.NumLayers == 0 {
		if err := yaml.Unmarshal(data, &d.Spec); err != nil {
			return nil, fmt.Errorf("failed to parse model profile %s: %w", path, err)
		}
	}
	return &d.Spec, nil
}

// DefaultOptimizerSpec returns a spec with every optional field set to its default.
func DefaultOptimizerSpec() *OptimizerSpec {
	spec := &OptimizerSpec{}
	spec.ApplyDefaults()
	return spec
}

// ApplyDefaults fills unset optional fields.
func (s *OptimizerSpec) ApplyDefaults() {
	if s.SafetyMarginPct == nil {
		s.SafetyMarginPct = ptr.To(DefaultSafetyMarginPct)
	}
	if s.RebalanceThresholdPct == nil {
		s.RebalanceThresholdPct = ptr.To(DefaultRebalanceThresholdPct)
	}
	if s.ContextAlignment == nil {
		s.ContextAlignment = ptr.To(DefaultContextAlignment)
	}
	if s.MaxRequestedContext == nil {
		s.MaxRequestedContext = ptr.To(DefaultMaxRequestedContext)
	}
	if s.MinKVReserveTokens == nil {
		s.MinKVReserveTokens = ptr.To(DefaultMinKVReserveTokens)
	}
	if s.ReserveBytes == nil {
		s.ReserveBytes = ptr.To[uint64](0)
	}
	if s.RebalanceTimeout == nil {
		s.RebalanceTimeout = ptr.To(DefaultRebalanceTimeout.String())
	}
	if s.RebalanceInterval == nil {
		s.RebalanceInterval = ptr.To(DefaultRebalanceInterval.String())
	}

	bp := &s.BucketPolicy
	if bp.Name == "" {
		bp.Name = DefaultBucketPolicy
	}
	if bp.Step == nil {
		bp.Step = ptr.To(DefaultBucketStep)
	}
	if bp.Ratio == nil {
		bp.Ratio = ptr.To(DefaultBucketRatio)
	}
	if bp.Base == nil {
		bp.Base = ptr.To(DefaultBucketBase)
	}

	b := &s.Batch
	if b.MaxBatchSize == nil {
		b.MaxBatchSize = ptr.To(DefaultMaxBatchSize)
	}
	if b.MaxBatchTokens == nil {
		b.MaxBatchTokens = ptr.To(0)
	}
	if b.MaxQueue == nil {
		b.MaxQueue = ptr.To(DefaultMaxQueue)
	}
	if b.FlushInterval == nil {
		b.FlushInterval = ptr.To(DefaultFlushInterval.String())
	}
}

// Validate checks ranges of a spec with defaults applied.
func (s *OptimizerSpec) Validate() error {
	if m := ptr.Deref(s.SafetyMarginPct, DefaultSafetyMarginPct); m < 0 || m > 100 {
		return fmt.Errorf("safetyMarginPct must be between 0 and 100, got %.2f", m)
	}
	if t := ptr.Deref(s.RebalanceThresholdPct, DefaultRebalanceThresholdPct); t < 0 || t > 100 {
		return fmt.Errorf("rebalanceThresholdPct must be between 0 and 100, got %.2f", t)
	}
	if a := ptr.Deref(s.ContextAlignment, DefaultContextAlignment); a < 1 {
		return fmt.Errorf("contextAlignment must be >= 1, got %d", a)
	}
	if c := ptr.Deref(s.MaxRequestedContext, DefaultMaxRequestedContext); c < 0 || c > MaxRequestedContextLimit {
		return fmt.Errorf("maxRequestedContext must be between 0 and %d, got %d", MaxRequestedContextLimit, c)
	}
	if r := ptr.Deref(s.MinKVReserveTokens, DefaultMinKVReserveTokens); r < 0 {
		return fmt.Errorf("minKVReserveTokens must be >= 0, got %d", r)
	}
	if _, err := s.RebalanceTimeoutDuration(); err != nil {
		return fmt.Errorf("invalid rebalanceTimeout: %w", err)
	}
	if _, err := s.RebalanceIntervalDuration(); err != nil {
		return fmt.Errorf("invalid rebalanceInterval: %w", err)
	}

	bp := s.BucketPolicy
	switch bp.Name {
	case BucketPolicyPow2:
		if step := ptr.Deref(bp.Step, DefaultBucketStep); step < 1 {
			return fmt.Errorf("bucketPolicy.step must be >= 1, got %d", step)
		}
	case BucketPolicyTokenRatio:
		if ratio := ptr.Deref(bp.Ratio, DefaultBucketRatio); ratio <= 1 {
			return fmt.Errorf("bucketPolicy.ratio must be > 1, got %.2f", ratio)
		}
		if base := ptr.Deref(bp.Base, DefaultBucketBase); base < 1 {
			return fmt.Errorf("bucketPolicy.base must be >= 1, got %d", base)
		}
	default:
		return fmt.Errorf("unsupported bucket policy %q", bp.Name)
	}

	b := s.Batch
	if n := ptr.Deref(b.MaxBatchSize, DefaultMaxBatchSize); n < 1 {
		return fmt.Errorf("batch.maxBatchSize must be >= 1, got %d", n)
	}
	if n := ptr.Deref(b.MaxBatchTokens, 0); n < 0 {
		return fmt.Errorf("batch.maxBatchTokens must be >= 0, got %d", n)
	}
	if n := ptr.Deref(b.MaxQueue, DefaultMaxQueue); n < 1 {
		return fmt.Errorf("batch.maxQueue must be >= 1, got %d", n)
	}
	if _, err := s.FlushIntervalDuration(); err != nil {
		return fmt.Errorf("invalid batch.flushInterval: %w", err)
	}
	return nil
}

// RebalanceTimeoutDuration parses the rebalance watchdog; zero disables it.
func (s *OptimizerSpec) RebalanceTimeoutDuration() (time.Duration, error) {
	return parseDuration(s.RebalanceTimeout, DefaultRebalanceTimeout)
}

// RebalanceIntervalDuration parses the full rebalance cadence; zero rebalances on
// every telemetry change.
func (s *OptimizerSpec) RebalanceIntervalDuration() (time.Duration, error) {
	return parseDuration(s.RebalanceInterval, DefaultRebalanceInterval)
}

// FlushIntervalDuration parses the assembler flush cadence.
func (s *OptimizerSpec) FlushIntervalDuration() (time.Duration, error) {
	d, err := parseDuration(s.Batch.FlushInterval, DefaultFlushInterval)
	if err == nil && d <= 0 {
		return 0, fmt.Errorf("flush interval must be positive, got %s", d)
	}
	return d, err
}

func parseDuration(s *string, def time.Duration) (time.Duration, error) {
	if s == nil || *s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0, got %s", d)
	}
	return d, nil
}

func isZeroOptimizerSpec(s *OptimizerSpec) bool {
	return s.SafetyMarginPct == nil && s.RebalanceThresholdPct == nil && s.ContextAlignment == nil &&
		s.MaxRequestedContext == nil && s.MinKVReserveTokens == nil && s.ReserveBytes == nil &&
		s.RebalanceTimeout == nil && s.RebalanceInterval == nil && s.BucketPolicy.Name == "" && s.BucketPolicy.Step == nil &&
		s.BucketPolicy.Ratio == nil && s.BucketPolicy.Base == nil && s.Batch.MaxBatchSize == nil &&
		s.Batch.MaxBatchTokens == nil && s.Batch.MaxQueue == nil && s.Batch.FlushInterval == nil
}
