package procstats

import (
	"context"
	"os"
	"testing"
)

func TestSampleReportsThisProcess(t *testing.T) {
	s, err := NewSampler()
	if err != nil {
		t.Skipf("process inspection unsupported: %v", err)
	}
	snap := s.Sample(context.Background())

	if snap.PID != int32(os.Getpid()) {
		t.Errorf("PID = %d, want %d", snap.PID, os.Getpid())
	}
	if snap.Goroutines < 1 {
		t.Errorf("Goroutines = %d, want >= 1", snap.Goroutines)
	}
	if snap.Uptime == "" {
		t.Error("Uptime empty")
	}
}
