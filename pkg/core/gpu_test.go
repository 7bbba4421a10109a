package core

import (
	"errors"
	"testing"
	"time"

	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
)

const gb = uint64(1_000_000_000)

func mustGPU(t *testing.T, spec config.GPUStateSpec) GPUState {
	t.Helper()
	g, err := NewGPUStateAt(&spec, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("NewGPUStateAt() unexpected error: %v", err)
	}
	return g
}

func TestNewGPUState_Validation(t *testing.T) {
	_, err := NewGPUStateFromSpec(&config.GPUStateSpec{DeviceID: 1, TotalVRAMBytes: 10, UsedVRAMBytes: 11})
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("NewGPUStateFromSpec() error = %v, want InvalidSnapshot", err)
	}
	var e *Error
	if errors.As(err, &e) && e.DeviceID != 1 {
		t.Errorf("DeviceID = %d, want 1", e.DeviceID)
	}

	if _, err := NewGPUStateFromSpec(&config.GPUStateSpec{DeviceID: -1, TotalVRAMBytes: 10}); err == nil {
		t.Errorf("NewGPUStateFromSpec() accepted a negative device id")
	}
}

func TestUsableBudget(t *testing.T) {
	tests := []struct {
		name    string
		total   uint64
		used    uint64
		margin  float64
		reserve uint64
		want    uint64
	}{
		{name: "ten percent margin", total: 16 * gb, used: 4 * gb, margin: 10, want: 10_800_000_000},
		{name: "no margin", total: 16 * gb, used: 4 * gb, margin: 0, want: 12 * gb},
		{name: "full margin", total: 16 * gb, used: 4 * gb, margin: 100, want: 0},
		{name: "device full", total: 16 * gb, used: 16 * gb, margin: 10, want: 0},
		{name: "fixed reserve", total: 16 * gb, used: 4 * gb, margin: 0, reserve: 2 * gb, want: 10 * gb},
		{name: "reserve exceeds free", total: 4 * gb, used: 3 * gb, margin: 0, reserve: 2 * gb, want: 0},
		{name: "margin out of range is clamped", total: 10, used: 0, margin: 150, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustGPU(t, config.GPUStateSpec{TotalVRAMBytes: tt.total, UsedVRAMBytes: tt.used})
			if got := UsableBudget(g, tt.margin, tt.reserve); got != tt.want {
				t.Errorf("UsableBudget() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAlert(t *testing.T) {
	tests := []struct {
		name string
		spec config.GPUStateSpec
		want AlertLevel
	}{
		{
			name: "idle",
			spec: config.GPUStateSpec{TotalVRAMBytes: 100, UsedVRAMBytes: 10, TemperatureC: 40, PowerDrawW: 50, PowerLimitW: 300},
			want: AlertNormal,
		},
		{
			name: "memory warning",
			spec: config.GPUStateSpec{TotalVRAMBytes: 100, UsedVRAMBytes: 80, TemperatureC: 40},
			want: AlertWarning,
		},
		{
			name: "temperature critical",
			spec: config.GPUStateSpec{TotalVRAMBytes: 100, UsedVRAMBytes: 10, TemperatureC: 85},
			want: AlertCritical,
		},
		{
			name: "memory emergency wins",
			spec: config.GPUStateSpec{TotalVRAMBytes: 100, UsedVRAMBytes: 96, TemperatureC: 72},
			want: AlertEmergency,
		},
		{
			name: "power critical",
			spec: config.GPUStateSpec{TotalVRAMBytes: 100, PowerDrawW: 297, PowerLimitW: 300},
			want: AlertCritical,
		},
		{
			name: "unknown power limit ignored",
			spec: config.GPUStateSpec{TotalVRAMBytes: 100, PowerDrawW: 297},
			want: AlertNormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustGPU(t, tt.spec).Alert(); got != tt.want {
				t.Errorf("Alert() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReclaimedBytes(t *testing.T) {
	before := []GPUState{
		mustGPU(t, config.GPUStateSpec{DeviceID: 0, TotalVRAMBytes: 24 * gb, UsedVRAMBytes: 20 * gb}),
		mustGPU(t, config.GPUStateSpec{DeviceID: 1, TotalVRAMBytes: 12 * gb, UsedVRAMBytes: 2 * gb}),
	}
	after := []GPUState{
		mustGPU(t, config.GPUStateSpec{DeviceID: 0, TotalVRAMBytes: 24 * gb, UsedVRAMBytes: 5 * gb}),
		mustGPU(t, config.GPUStateSpec{DeviceID: 1, TotalVRAMBytes: 12 * gb, UsedVRAMBytes: 3 * gb}),
		mustGPU(t, config.GPUStateSpec{DeviceID: 2, TotalVRAMBytes: 12 * gb}),
	}

	got := ReclaimedBytes(before, after)
	if got[0] != 15*gb {
		t.Errorf("ReclaimedBytes()[0] = %d, want %d", got[0], 15*gb)
	}
	if v, ok := got[1]; !ok || v != 0 {
		t.Errorf("ReclaimedBytes()[1] = %d (present %v), want 0", v, ok)
	}
	if _, ok := got[2]; ok {
		t.Errorf("ReclaimedBytes() reported a device missing from the first capture")
	}
}

func TestWithUsedBytes(t *testing.T) {
	g := mustGPU(t, config.GPUStateSpec{TotalVRAMBytes: 100, UsedVRAMBytes: 10})
	h := g.WithUsedBytes(500)
	if h.UsedBytes() != 100 {
		t.Errorf("WithUsedBytes() used = %d, want 100", h.UsedBytes())
	}
	if g.UsedBytes() != 10 {
		t.Errorf("WithUsedBytes() mutated the original")
	}
}
