package kad

import (
	"net/netip"
	"sync"
	"time"

	"github.com/bwrega/mldht/kad/krpc"
)

// CallState is the lifecycle of an outbound RPC call.
type CallState int

const (
	CallUnsent CallState = iota
	CallSent
	CallStalled
	CallResponded
	CallTimedOut
	CallSendFailed
)

func (s CallState) String() string {
	switch s {
	case CallUnsent:
		return "unsent"
	case CallSent:
		return "sent"
	case CallStalled:
		return "stalled"
	case CallResponded:
		return "responded"
	case CallTimedOut:
		return "timed out"
	case CallSendFailed:
		return "send failed"
	}
	return "unknown"
}

// CallListener observes call lifecycle events. Listeners run on whatever
// goroutine drives the transition and must not block.
type CallListener interface {
	OnSent(*Call)
	OnTimeout(*Call)
	OnStall(*Call)
	OnResponse(*Call, krpc.Message)
}

// Call is an outbound request tracked until a matching response, a
// timeout, or a send failure. Terminal in all three cases.
type Call struct {
	request krpc.Message

	mu             sync.Mutex
	state          CallState
	mtid           []byte
	expectedRTT    time.Duration
	knownReachable bool
	listeners      []CallListener
	response       krpc.Message
	sentAt         time.Time
	respondedAt    time.Time
	stallInjected  bool
	timer          *time.Timer
}

// NewCall wraps a request message. The transaction id is assigned later,
// at dispatch.
func NewCall(req krpc.Message) *Call {
	return &Call{request: req, expectedRTT: -1}
}

func (c *Call) Request() krpc.Message { return c.request }

func (c *Call) Destination() netip.AddrPort { return c.request.Destination() }

// MTID returns the transaction id assigned at dispatch, nil before.
func (c *Call) MTID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtid
}

func (c *Call) setMTID(mtid []byte) {
	c.mu.Lock()
	c.mtid = mtid
	c.mu.Unlock()
	c.request.SetMTID(mtid)
}

// SetExpectedRTT overrides the adaptive stall timeout for this call.
// Left untouched, the send pipeline stamps the filter's published value.
func (c *Call) SetExpectedRTT(rtt time.Duration) {
	c.mu.Lock()
	c.expectedRTT = rtt
	c.mu.Unlock()
}

func (c *Call) ExpectedRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expectedRTT
}

// SetKnownReachable marks that the destination was a verified routing
// table entry when the call was created. Such calls bypass the timeout
// filter so their low-RTT population does not bias it.
func (c *Call) SetKnownReachable(known bool) {
	c.mu.Lock()
	c.knownReachable = known
	c.mu.Unlock()
}

func (c *Call) KnownReachableAtCreationTime() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownReachable
}

func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Response returns the matched response once the call completed.
func (c *Call) Response() krpc.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// RTT is the measured round trip, zero until a response arrived.
func (c *Call) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.respondedAt.IsZero() || c.sentAt.IsZero() {
		return 0
	}
	return c.respondedAt.Sub(c.sentAt)
}

func (c *Call) addListener(l CallListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// AddListener registers l for lifecycle events. Must happen before
// dispatch to observe every event.
func (c *Call) AddListener(l CallListener) {
	c.addListener(l)
}

// sent records the send time and arms the stall/timeout timer.
func (c *Call) sent() {
	c.mu.Lock()
	if c.state != CallUnsent {
		c.mu.Unlock()
		return
	}
	c.state = CallSent
	c.sentAt = time.Now()
	wait := c.expectedRTT
	if wait <= 0 || wait > CallTimeoutMax {
		wait = CallTimeoutMax
	}
	c.timer = time.AfterFunc(wait, c.checkStallOrTimeout)
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnSent(c)
	}
}

func (c *Call) checkStallOrTimeout() {
	c.mu.Lock()
	switch c.state {
	case CallSent:
		// expected RTT elapsed without a response; give the peer the
		// rest of the hard timeout window
		c.state = CallStalled
		elapsed := time.Since(c.sentAt)
		remaining := CallTimeoutMax - elapsed
		if remaining > 0 {
			c.timer = time.AfterFunc(remaining, c.checkStallOrTimeout)
			listeners := c.snapshotListenersLocked()
			c.mu.Unlock()
			for _, l := range listeners {
				l.OnStall(c)
			}
			return
		}
		fallthrough
	case CallStalled:
		c.state = CallTimedOut
		listeners := c.snapshotListenersLocked()
		c.mu.Unlock()
		for _, l := range listeners {
			l.OnTimeout(c)
		}
		return
	}
	c.mu.Unlock()
}

// handleResponse completes the call with a matched message.
func (c *Call) handleResponse(rsp krpc.Message) {
	c.mu.Lock()
	if c.terminalLocked() {
		c.mu.Unlock()
		return
	}
	c.state = CallResponded
	c.response = rsp
	c.respondedAt = time.Now()
	c.stopTimerLocked()
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnResponse(c, rsp)
	}
}

// sendFailed terminates a call whose request never left the socket.
// Reported through the timeout event so owners run one cleanup path.
func (c *Call) sendFailed() {
	c.mu.Lock()
	if c.terminalLocked() {
		c.mu.Unlock()
		return
	}
	c.state = CallSendFailed
	c.stopTimerLocked()
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTimeout(c)
	}
}

// InjectStall flags that a timeout is expected, for calls whose matching
// transaction id arrived from the wrong source address. The stall event
// fires; the call keeps running toward its timer.
func (c *Call) InjectStall() {
	c.mu.Lock()
	if c.terminalLocked() || c.stallInjected {
		c.mu.Unlock()
		return
	}
	c.stallInjected = true
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnStall(c)
	}
}

func (c *Call) StallInjected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stallInjected
}

func (c *Call) terminalLocked() bool {
	switch c.state {
	case CallResponded, CallTimedOut, CallSendFailed:
		return true
	}
	return false
}

func (c *Call) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Call) snapshotListenersLocked() []CallListener {
	out := make([]CallListener, len(c.listeners))
	copy(out, c.listeners)
	return out
}
