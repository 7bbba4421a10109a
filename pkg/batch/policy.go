package batch

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"k8s.io/utils/ptr"
)

// BucketPolicy maps a sequence length to a canonical bucket size.
// Implementations must be deterministic, monotonic in the length, and never return a
// bucket smaller than the length.
type BucketPolicy interface {
	Bucket(seqLen int) int
	Name() string
}

// NewBucketPolicy creates the policy selected by configuration.
func NewBucketPolicy(spec config.BucketPolicySpec) (BucketPolicy, error) {
	switch spec.Name {
	case config.BucketPolicyPow2, "":
		step := ptr.Deref(spec.Step, config.DefaultBucketStep)
		if step < 1 {
			return nil, fmt.Errorf("pow2 step must be >= 1, got %d", step)
		}
		return Pow2Policy{Step: step}, nil
	case config.BucketPolicyTokenRatio:
		ratio := ptr.Deref(spec.Ratio, config.DefaultBucketRatio)
		base := ptr.Deref(spec.Base, config.DefaultBucketBase)
		if ratio <= 1 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
			return nil, fmt.Errorf("token_ratio ratio must be > 1, got %v", ratio)
		}
		if base < 1 {
			return nil, fmt.Errorf("token_ratio base must be >= 1, got %d", base)
		}
		return TokenRatioPolicy{Ratio: ratio, Base: base}, nil
	default:
		return nil, fmt.Errorf("unsupported bucket policy %q", spec.Name)
	}
}

// Pow2Policy buckets to Step for short inputs and to the next power of two above.
type Pow2Policy struct {
	Step int
}

func (p Pow2Policy) Name() string {
	return config.BucketPolicyPow2
}

func (p Pow2Policy) Bucket(seqLen int) int {
	if seqLen <= p.Step {
		return p.Step
	}
	return nextPowerOfTwo(seqLen)
}

// TokenRatioPolicy buckets on a ladder starting at Base where each bucket is at most
// Ratio times the previous one.
type TokenRatioPolicy struct {
	Ratio float64
	Base  int
}

func (p TokenRatioPolicy) Name() string {
	return config.BucketPolicyTokenRatio
}

func (p TokenRatioPolicy) Bucket(seqLen int) int {
	b := p.Base
	for b < seqLen {
		next := math.Floor(float64(b) * p.Ratio)
		if next >= math.MaxInt {
			return math.MaxInt
		}
		b = max(b+1, int(next))
	}
	return b
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	shift := bits.Len(uint(n - 1))
	if shift >= bits.UintSize-1 {
		return math.MaxInt
	}
	return 1 << shift
}
