package kad

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultThrottleRate  = 10 // packets per second per source address
	defaultThrottleBurst = 30

	// throttleMaxSources bounds the limiter map; stale entries are
	// pruned once it fills up.
	throttleMaxSources = 4096
	throttleIdleExpiry = time.Minute
)

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SpamThrottle gates inbound datagrams by source address before any
// decoding happens. IsSpam both observes and decides: a source exceeding
// the configured rate keeps reporting true until enough idle time has
// refilled its bucket.
type SpamThrottle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	sources map[netip.Addr]*throttleEntry
	now     func() time.Time
}

func NewSpamThrottle(packetsPerSecond float64, burst int) *SpamThrottle {
	if packetsPerSecond <= 0 {
		packetsPerSecond = defaultThrottleRate
	}
	if burst < 1 {
		burst = defaultThrottleBurst
	}
	return &SpamThrottle{
		limit:   rate.Limit(packetsPerSecond),
		burst:   burst,
		sources: make(map[netip.Addr]*throttleEntry),
		now:     time.Now,
	}
}

// IsSpam charges one packet against addr and reports whether the source
// is over its budget.
func (t *SpamThrottle) IsSpam(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	now := t.now()

	t.mu.Lock()
	entry := t.sources[addr]
	if entry == nil {
		if len(t.sources) >= throttleMaxSources {
			t.pruneLocked(now)
		}
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.sources[addr] = entry
	}
	entry.lastSeen = now
	t.mu.Unlock()

	return !entry.limiter.AllowN(now, 1)
}

func (t *SpamThrottle) pruneLocked(now time.Time) {
	for addr, entry := range t.sources {
		if now.Sub(entry.lastSeen) > throttleIdleExpiry {
			delete(t.sources, addr)
		}
	}
	// under sustained pressure from many distinct sources expiry may not
	// free anything; drop arbitrary entries rather than grow unbounded
	for addr := range t.sources {
		if len(t.sources) < throttleMaxSources {
			break
		}
		delete(t.sources, addr)
	}
}
