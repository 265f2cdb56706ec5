package kad

import "time"

const (
	// DefaultMaxActiveCalls caps concurrently in-flight RPC calls per server.
	DefaultMaxActiveCalls = 256

	// CallTimeoutMax is the hard upper bound on a call's lifetime once sent.
	CallTimeoutMax = 10 * time.Second

	// CallTimeoutMin floors the adaptive stall timeout.
	CallTimeoutMin = 100 * time.Millisecond

	// ReachabilityTimeout: no inbound datagram for this long marks the
	// server unreachable and resets the timeout filter.
	ReachabilityTimeout = 60 * time.Second

	// strayResponseGrace: responses that match no call are dropped
	// silently during the first part of the uptime, since they are most
	// likely residue addressed to a previous incarnation on this port.
	strayResponseGrace = 2 * time.Minute

	// receiveBufferSize holds the largest datagram either family allows.
	receiveBufferSize = 1500

	// socketRcvBuf is requested from the kernel for the UDP socket.
	socketRcvBuf = 2 * 1024 * 1024
)
