package kad

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwrega/mldht/kad/krpc"
)

const (
	timeoutFilterBins = 256

	// stallQuantile: calls slower than this share of the observed RTT
	// population are considered stalled.
	stallQuantile = 0.9

	// minSamples before the histogram overrides the default.
	timeoutFilterMinSamples = 16
)

// TimeoutFilter accumulates an RTT histogram over responses to calls
// against unverified peers and publishes an adaptive stall timeout.
// Routing-table entries are excluded by the caller: their RTT population
// is biased low and would skew the estimate for the general population.
type TimeoutFilter struct {
	mu           sync.Mutex
	bins         [timeoutFilterBins]uint32
	sampleCount  uint64
	stallTimeout time.Duration
}

func NewTimeoutFilter() *TimeoutFilter {
	f := &TimeoutFilter{}
	f.stallTimeout = CallTimeoutMax
	return f
}

// RegisterCall hooks the filter into the call so a future response
// contributes its RTT.
func (f *TimeoutFilter) RegisterCall(c *Call) {
	c.addListener(timeoutFilterListener{f})
}

type timeoutFilterListener struct {
	f *TimeoutFilter
}

func (l timeoutFilterListener) OnSent(*Call)    {}
func (l timeoutFilterListener) OnTimeout(*Call) {}
func (l timeoutFilterListener) OnStall(*Call)   {}
func (l timeoutFilterListener) OnResponse(c *Call, _ krpc.Message) {
	if rtt := c.RTT(); rtt > 0 {
		l.f.update(rtt)
	}
}

func (f *TimeoutFilter) update(rtt time.Duration) {
	bin := int(int64(rtt) * timeoutFilterBins / int64(CallTimeoutMax))
	if bin < 0 {
		bin = 0
	}
	if bin >= timeoutFilterBins {
		bin = timeoutFilterBins - 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bins[bin]++
	f.sampleCount++
	f.recalcLocked()
}

func (f *TimeoutFilter) recalcLocked() {
	if f.sampleCount < timeoutFilterMinSamples {
		return
	}
	threshold := uint64(float64(f.sampleCount) * stallQuantile)
	var seen uint64
	for i, count := range f.bins {
		seen += uint64(count)
		if seen >= threshold {
			timeout := time.Duration(int64(i+1) * int64(CallTimeoutMax) / timeoutFilterBins)
			if timeout < CallTimeoutMin {
				timeout = CallTimeoutMin
			}
			f.stallTimeout = timeout
			return
		}
	}
	f.stallTimeout = CallTimeoutMax
}

// StallTimeout is the adaptive upper bound on the expected RTT, copied
// into each call at send time unless the call carries an override.
func (f *TimeoutFilter) StallTimeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stallTimeout
}

func (f *TimeoutFilter) SampleCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sampleCount
}

// Reset discards accumulated samples. Invoked when the socket opens and
// whenever reachability drops, so stale RTT measurements do not
// contaminate the next connectivity window.
func (f *TimeoutFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bins = [timeoutFilterBins]uint32{}
	f.sampleCount = 0
	f.stallTimeout = CallTimeoutMax
}

func (f *TimeoutFilter) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("samples: %d stall: %s", f.sampleCount, f.stallTimeout)
}
