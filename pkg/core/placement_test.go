package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLayerPlacement(t *testing.T) {
	p := NewLayerPlacement(map[int]int{0: 12, 1: 20}, map[int]uint64{0: 3 * gb, 1: 5 * gb}, 200_000_000)

	if got := p.NumLayers(); got != 32 {
		t.Errorf("NumLayers() = %d, want 32", got)
	}
	if diff := cmp.Diff([]int{0, 1}, p.Devices()); diff != "" {
		t.Errorf("Devices() mismatch (-want +got):\n%s", diff)
	}
	if got := p.Slack(0); got != 600_000_000 {
		t.Errorf("Slack(0) = %d, want 600000000", got)
	}
	if got := p.Slack(7); got != 0 {
		t.Errorf("Slack of unknown device = %d, want 0", got)
	}

	assignment := p.Assignment()
	assignment[0] = 99
	if p.Layers(0) != 12 {
		t.Errorf("Assignment() must return a copy")
	}

	same := NewLayerPlacement(map[int]int{0: 12, 1: 20}, nil, 1)
	if !p.Equal(same) {
		t.Errorf("Equal() should compare layer counts only")
	}
	if p.Equal(NewLayerPlacement(map[int]int{0: 11, 1: 21}, nil, 1)) {
		t.Errorf("Equal() true for different counts")
	}
	if p.Equal(nil) {
		t.Errorf("Equal(nil) should be false")
	}

	data := p.Data()
	if data.NumLayers != 32 || data.SlackBytes[1] != 1_000_000_000 {
		t.Errorf("Data() = %+v", data)
	}
}

func TestLayerPlacement_OverBudgetSlack(t *testing.T) {
	p := NewLayerPlacement(map[int]int{0: 10}, map[int]uint64{0: gb}, 200_000_000)
	if got := p.Slack(0); got != 0 {
		t.Errorf("Slack() = %d, want 0 when assigned bytes exceed the budget", got)
	}
}

func TestRecommendedContext(t *testing.T) {
	c := &ContextBudget{MaxContextTokens: 5000}
	tests := []struct {
		step int
		want int
	}{
		{step: 0, want: 5000},
		{step: 1, want: 5000},
		{step: 256, want: 4864},
		{step: 1024, want: 4096},
		{step: 8192, want: 0},
	}
	for _, tt := range tests {
		if got := c.RecommendedContext(tt.step); got != tt.want {
			t.Errorf("RecommendedContext(%d) = %d, want %d", tt.step, got, tt.want)
		}
	}
}

func TestBatch(t *testing.T) {
	b := Batch{Bucket: 128, Requests: []Request{
		{SequenceLength: 100, ArrivalOrder: 0},
		{SequenceLength: 120, ArrivalOrder: 3},
	}}
	if got := b.TotalPaddedTokens(); got != 256 {
		t.Errorf("TotalPaddedTokens() = %d, want 256", got)
	}
	if got := b.PaddingTokens(); got != 36 {
		t.Errorf("PaddingTokens() = %d, want 36", got)
	}
	data := b.Data()
	if diff := cmp.Diff([]int{0, 3}, data.ArrivalOrders); diff != "" {
		t.Errorf("ArrivalOrders mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{100, 120}, data.SequenceLengths); diff != "" {
		t.Errorf("SequenceLengths mismatch (-want +got):\n%s", diff)
	}
}
