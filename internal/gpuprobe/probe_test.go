package gpuprobe

import (
	"context"
	"errors"
	"testing"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/interfaces"
)

func TestStats_UsesVendorProberWhenSet(t *testing.T) {
	want := interfaces.GPUStats{MemoryPercent: 42, UtilizationPercent: 80, TemperatureC: 65, FreeBytes: 1024}
	p := NewProbe(common.NewSilentLogger(), StaticProber{Result: want})

	got, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}

func TestStats_WrapsVendorError(t *testing.T) {
	vendorErr := errors.New("nvml unavailable")
	p := NewProbe(common.NewSilentLogger(), StaticProber{Err: vendorErr})

	_, err := p.Stats(context.Background())
	if err == nil {
		t.Fatal("expected error when vendor prober fails")
	}
	if !errors.Is(err, vendorErr) {
		t.Errorf("expected wrapped vendor error, got: %v", err)
	}
}

func TestStats_FallsBackToHostMemoryWhenNoVendor(t *testing.T) {
	p := NewProbe(common.NewSilentLogger(), nil)

	got, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats (host fallback) failed: %v", err)
	}
	if got.MemoryPercent < 0 || got.MemoryPercent > 100 {
		t.Errorf("MemoryPercent = %v, want a 0-100 percentage", got.MemoryPercent)
	}
	if got.TemperatureC != 0 {
		t.Errorf("TemperatureC = %v, want 0 (host fallback reports no temperature)", got.TemperatureC)
	}
}
