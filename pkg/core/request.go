package core

import (
	"fmt"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
)

// Request is a pending inference request.
type Request struct {
	SequenceLength int
	ArrivalOrder   int       // monotonic, assigned at enqueue
	EnqueuedAt     time.Time // zero when not queued
}

// Batch holds requests sharing one bucket, in arrival order.
type Batch struct {
	Bucket   int
	Requests []Request
}

func (b *Batch) Len() int {
	return len(b.Requests)
}

// TotalPaddedTokens is bucket * number of requests.
func (b *Batch) TotalPaddedTokens() int {
	return b.Bucket * len(b.Requests)
}

// PaddingTokens is the waste introduced by bucketing.
func (b *Batch) PaddingTokens() int {
	pad := b.TotalPaddedTokens()
	for _, r := range b.Requests {
		pad -= r.SequenceLength
	}
	return pad
}

func (b *Batch) Data() config.BatchData {
	d := config.BatchData{
		Bucket:            b.Bucket,
		ArrivalOrders:     make([]int, len(b.Requests)),
		SequenceLengths:   make([]int, len(b.Requests)),
		TotalPaddedTokens: b.TotalPaddedTokens(),
	}
	for i, r := range b.Requests {
		d.ArrivalOrders[i] = r.ArrivalOrder
		d.SequenceLengths[i] = r.SequenceLength
	}
	return d
}

func (b *Batch) String() string {
	return fmt.Sprintf("Batch: bucket=%d; size=%d; padded=%d; padding=%d",
		b.Bucket, len(b.Requests), b.TotalPaddedTokens(), b.PaddingTokens())
}

// Rejection is a request dropped by the assembler, with the reason.
type Rejection struct {
	Request Request
	Err     error
}

func (r *Rejection) Data() config.RejectionData {
	return config.RejectionData{
		ArrivalOrder:   r.Request.ArrivalOrder,
		SequenceLength: r.Request.SequenceLength,
		Reason:         r.Err.Error(),
	}
}
