package kad

import (
	"testing"
	"time"
)

func TestTimeoutFilterDefaultsToMax(t *testing.T) {
	f := NewTimeoutFilter()
	if got := f.StallTimeout(); got != CallTimeoutMax {
		t.Fatalf("fresh filter stall timeout = %s, want %s", got, CallTimeoutMax)
	}
}

func TestTimeoutFilterTracksPopulation(t *testing.T) {
	f := NewTimeoutFilter()
	for i := 0; i < 100; i++ {
		f.update(100 * time.Millisecond)
	}
	got := f.StallTimeout()
	if got < CallTimeoutMin {
		t.Fatalf("stall timeout %s below floor", got)
	}
	if got > 500*time.Millisecond {
		t.Fatalf("stall timeout %s did not adapt to a 100ms population", got)
	}
	if f.SampleCount() != 100 {
		t.Fatalf("sample count = %d, want 100", f.SampleCount())
	}
}

func TestTimeoutFilterNeedsMinimumSamples(t *testing.T) {
	f := NewTimeoutFilter()
	for i := 0; i < timeoutFilterMinSamples-1; i++ {
		f.update(50 * time.Millisecond)
	}
	if got := f.StallTimeout(); got != CallTimeoutMax {
		t.Fatalf("filter adapted on %d samples, timeout %s", timeoutFilterMinSamples-1, got)
	}
}

func TestTimeoutFilterReset(t *testing.T) {
	f := NewTimeoutFilter()
	for i := 0; i < 100; i++ {
		f.update(100 * time.Millisecond)
	}
	f.Reset()
	if f.SampleCount() != 0 {
		t.Fatalf("reset kept samples")
	}
	if got := f.StallTimeout(); got != CallTimeoutMax {
		t.Fatalf("reset stall timeout = %s, want %s", got, CallTimeoutMax)
	}
}

func TestTimeoutFilterSlowTailRaisesTimeout(t *testing.T) {
	f := NewTimeoutFilter()
	for i := 0; i < 80; i++ {
		f.update(100 * time.Millisecond)
	}
	fast := f.StallTimeout()
	for i := 0; i < 80; i++ {
		f.update(3 * time.Second)
	}
	if got := f.StallTimeout(); got <= fast {
		t.Fatalf("slow responses did not raise the stall timeout (%s -> %s)", fast, got)
	}
}
