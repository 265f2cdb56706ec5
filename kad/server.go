// Package kad implements the per-socket RPC server of a BitTorrent DHT
// node: transaction id allocation, call/response correlation, the send
// pipeline, spam throttling, adaptive timeouts, and external address
// consensus. The routing table, codec and reactor are collaborators.
package kad

import (
	"container/list"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwrega/mldht/kad/key"
	"github.com/bwrega/mldht/kad/krpc"
	"github.com/bwrega/mldht/nio"
)

var (
	ErrAlreadyStarted = errors.New("kad: server already started")
	ErrNoBackend      = errors.New("kad: backend required")
	ErrNoBind         = errors.New("kad: bind address required")
)

// server lifecycle
const (
	stateInitial int32 = iota
	stateRunning
	stateStopped
)

// Backend is the DHT layer the server reports into: the routing table's
// id bookkeeping, timeout notification, and message application.
type Backend interface {
	krpc.Visitor

	// RegisterID reserves a node id for a new server; the server keeps
	// it for its endpoint and hands it back through RemoveID on Stop.
	RegisterID() key.Key
	RemoveID(key.Key)

	// Timeout tells the routing table a tracked call expired.
	Timeout(*Call)

	// IncomingMessage observes every correctly-classified message
	// before it is applied.
	IncomingMessage(krpc.Message)
}

// ServerConfig wires a Server to its collaborators. Zero fields fall
// back to production defaults; tests substitute the channel opener,
// reactor, scheduler and clock.
type ServerConfig struct {
	Backend   Backend
	Type      *DHTType
	Bind      netip.AddrPort
	Reactor   nio.Reactor
	Scheduler nio.Scheduler
	Stats     *RPCStats
	Logger    *slog.Logger
	Throttle  *SpamThrottle

	MaxActiveCalls int

	// OpenChannel creates the datagram endpoint at Start time.
	OpenChannel ChannelOpener

	// OnStopped is invoked once after Stop completes, for manager
	// bookkeeping.
	OnStopped func(*Server)

	Now func() time.Time
}

// Server owns one UDP endpoint and multiplexes RPC calls onto it. One
// instance per bound address; two may coexist, one per address family.
type Server struct {
	backend  Backend
	dhtType  *DHTType
	bind     netip.AddrPort
	logger   *slog.Logger
	stats    *RPCStats
	throttle *SpamThrottle
	now      func() time.Time

	state     atomic.Int32
	derivedID key.Key
	startTime time.Time

	maxActiveCalls int
	calls          *callTable
	callQueue      callFIFO
	pipeline       *sendQueue

	numReceived atomic.Int64
	numSent     atomic.Int64

	timeoutFilter         *TimeoutFilter
	unverifiedLossrate    *movingAverage
	verifiedEntryLossrate *movingAverage

	enqueueMu        sync.Mutex
	enqueueListeners atomic.Value // []func(*Call)

	declogMu       sync.Mutex
	awaitingDeclog []func()

	origins          originPairs
	consensusAddress atomic.Value // netip.AddrPort

	reachMu             sync.Mutex
	isReachable         atomic.Bool
	receivesAtLastCheck int64
	lastReceiveChange   time.Time

	onStopped func(*Server)
	handler   *socketHandler
}

type callFIFO struct {
	mu    sync.Mutex
	items []*Call
}

func (q *callFIFO) push(c *Call) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

func (q *callFIFO) pop() *Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return c
}

func (q *callFIFO) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NewServer reserves a derived id with the routing table and prepares
// the socket handler. The socket itself opens at Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Backend == nil {
		return nil, ErrNoBackend
	}
	if !cfg.Bind.IsValid() {
		return nil, ErrNoBind
	}
	if cfg.Type == nil {
		cfg.Type = IPv4DHT
		if cfg.Bind.Addr().Is6() && !cfg.Bind.Addr().Is4In6() {
			cfg.Type = IPv6DHT
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "rpcserver"))
	}
	if cfg.Stats == nil {
		cfg.Stats = NewRPCStats(cfg.Type)
	}
	if cfg.Throttle == nil {
		cfg.Throttle = NewSpamThrottle(0, 0)
	}
	if cfg.MaxActiveCalls <= 0 {
		cfg.MaxActiveCalls = DefaultMaxActiveCalls
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = goScheduler{}
	}
	if cfg.OpenChannel == nil {
		cfg.OpenChannel = openUDPChannel
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		backend:               cfg.Backend,
		dhtType:               cfg.Type,
		bind:                  cfg.Bind,
		logger:                cfg.Logger.With(slog.String("bind", cfg.Bind.String())),
		stats:                 cfg.Stats,
		throttle:              cfg.Throttle,
		now:                   cfg.Now,
		maxActiveCalls:        cfg.MaxActiveCalls,
		calls:                 newCallTable(),
		pipeline:              &sendQueue{},
		timeoutFilter:         NewTimeoutFilter(),
		unverifiedLossrate:    newMovingAverage(0.01, 0.5),
		verifiedEntryLossrate: newMovingAverage(0.01, 0.5),
		onStopped:             cfg.OnStopped,
	}
	s.enqueueListeners.Store([]func(*Call){})
	s.origins.init()

	// reserve an id tied to this endpoint
	s.derivedID = cfg.Backend.RegisterID()

	s.handler = newSocketHandler(s, cfg.Reactor, cfg.Scheduler, cfg.OpenChannel)
	return s, nil
}

// goScheduler is the fallback when no shared pool is supplied.
type goScheduler struct{}

func (goScheduler) Execute(task func()) { go task() }

func (s *Server) DerivedID() key.Key       { return s.derivedID }
func (s *Server) BindAddress() netip.AddrPort { return s.bind }
func (s *Server) Type() *DHTType           { return s.dhtType }
func (s *Server) Stats() *RPCStats         { return s.stats }
func (s *Server) TimeoutFilter() *TimeoutFilter { return s.timeoutFilter }

func (s *Server) NumReceived() int64 { return s.numReceived.Load() }
func (s *Server) NumSent() int64     { return s.numSent.Load() }

// NumActiveCalls is the current call table occupancy.
func (s *Server) NumActiveCalls() int { return s.calls.size() }

// Start opens the socket and registers with the reactor. Calling Start
// on anything but a fresh server is a programming error and fails loudly.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(stateInitial, stateRunning) {
		return ErrAlreadyStarted
	}
	s.logger.Info("starting RPC server")
	if err := s.handler.start(); err != nil {
		s.state.Store(stateStopped)
		return fmt.Errorf("kad: start server on %s: %w", s.bind, err)
	}
	s.startTime = s.now()
	return nil
}

// Stop is idempotent. It closes the channel, releases the derived id,
// discards the pipeline and notifies the manager. Pending calls are left
// to expire through their timers.
func (s *Server) Stop() {
	if s.state.Swap(stateStopped) == stateStopped {
		return
	}
	s.handler.close()
	s.backend.RemoveID(s.derivedID)
	if s.onStopped != nil {
		s.onStopped(s)
	}
	s.pipeline.clear()
}

// Ping issues a ping call to addr.
func (s *Server) Ping(addr netip.AddrPort) {
	req := &krpc.PingRequest{}
	req.SetID(s.derivedID)
	req.SetDestination(addr)
	s.DoCall(NewCall(req))
}

// OnEnqueue registers an observer of every admitted call. Observers run
// on the admitting goroutine and must not block.
func (s *Server) OnEnqueue(listener func(*Call)) {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()
	current := s.enqueueListeners.Load().([]func(*Call))
	next := make([]func(*Call), len(current)+1)
	copy(next, current)
	next[len(current)] = listener
	s.enqueueListeners.Store(next)
}

// OnDeclog queues a one-shot task to run when call table occupancy next
// permits.
func (s *Server) OnDeclog(task func()) {
	s.declogMu.Lock()
	s.awaitingDeclog = append(s.awaitingDeclog, task)
	s.declogMu.Unlock()
}

// DoCall admits c into the call table, assigning a fresh transaction id,
// or parks it in the call queue when the table is at its ceiling.
func (s *Server) DoCall(c *Call) {
	for _, cb := range s.enqueueListeners.Load().([]func(*Call)) {
		cb(c)
	}

	for {
		if s.calls.size() >= s.maxActiveCalls {
			s.logger.Info("queueing RPC call, no slots available at the moment")
			s.callQueue.push(c)
			return
		}
		mtid := make([]byte, krpc.MTIDLength)
		if _, err := rand.Read(mtid); err != nil {
			panic(err)
		}
		if s.calls.putIfAbsent(mtid, c) {
			s.dispatchCall(c, mtid)
			return
		}
		// 48-bit collision with an in-flight call; draw again
	}
}

// SendMessage enqueues a fire-and-forget transmission.
func (s *Server) SendMessage(msg krpc.Message) {
	s.fillPipe(s.newEnqueuedSend(msg, nil))
}

// FindCall looks up the in-flight call for a transaction id.
func (s *Server) FindCall(mtid []byte) *Call {
	return s.calls.get(mtid)
}

func (s *Server) dispatchCall(c *Call, mtid []byte) {
	c.setMTID(mtid)
	c.addListener(serverCallListener{s})

	// routing table entries keep track of their own RTTs and skew low;
	// keep them out of the general-population estimator
	if !c.KnownReachableAtCreationTime() {
		s.timeoutFilter.RegisterCall(c)
	}

	s.fillPipe(s.newEnqueuedSend(c.Request(), c))
}

func (s *Server) fillPipe(es *enqueuedSend) {
	s.pipeline.push(es)
	s.handler.writeEvent()
}

func (s *Server) newEnqueuedSend(msg krpc.Message, c *Call) *enqueuedSend {
	if msg.ID().IsZero() {
		msg.SetID(s.derivedID)
	}

	// mirror the destination back on the light responses; get_peers
	// responses are heavy enough already
	switch msg.(type) {
	case *krpc.PingResponse, *krpc.FindNodeResponse:
		if !msg.PublicIP().IsValid() {
			msg.SetPublicIP(msg.Destination())
		}
	}

	if c != nil {
		rtt := c.ExpectedRTT()
		if rtt < 0 {
			rtt = s.timeoutFilter.StallTimeout()
		}
		c.SetExpectedRTT(rtt)
	}

	return &enqueuedSend{msg: msg, call: c}
}

// serverCallListener is the internal listener installed on every
// dispatched call.
type serverCallListener struct {
	s *Server
}

func (l serverCallListener) OnSent(*Call)  {}
func (l serverCallListener) OnStall(*Call) {}

func (l serverCallListener) OnTimeout(c *Call) {
	s := l.s
	s.stats.AddTimeoutMessageToCount(c.Request())
	if c.KnownReachableAtCreationTime() {
		s.verifiedEntryLossrate.Update(1.0)
	} else {
		s.unverifiedLossrate.Update(1.0)
	}
	s.calls.removeIf(c.MTID(), c)
	s.backend.Timeout(c)
	s.doQueuedCalls()
}

func (l serverCallListener) OnResponse(c *Call, _ krpc.Message) {
	if c.KnownReachableAtCreationTime() {
		l.s.verifiedEntryLossrate.Update(0.0)
	} else {
		l.s.unverifiedLossrate.Update(0.0)
	}
}

// doQueuedCalls drains parked calls into freed slots, then runs declog
// tasks until capacity saturates again.
func (s *Server) doQueuedCalls() {
	for s.callQueue.len() > 0 && s.calls.size() < s.maxActiveCalls {
		c := s.callQueue.pop()
		if c == nil {
			return
		}
		s.DoCall(c)
	}

	for s.calls.size() < s.maxActiveCalls {
		s.declogMu.Lock()
		if len(s.awaitingDeclog) == 0 {
			s.declogMu.Unlock()
			return
		}
		task := s.awaitingDeclog[0]
		s.awaitingDeclog = s.awaitingDeclog[1:]
		s.declogMu.Unlock()
		task()
	}
}

// handlePacket classifies one datagram that survived the read loop
// prefilter. Runs on a worker goroutine.
func (s *Server) handlePacket(raw []byte, source netip.AddrPort) {
	msg, err := krpc.Decode(raw, func(mtid []byte) (krpc.Method, bool) {
		if c := s.FindCall(mtid); c != nil {
			return c.Request().Method(), true
		}
		return krpc.MethodUnknown, false
	})
	if err != nil {
		var decodeErr *krpc.DecodeError
		if errors.As(err, &decodeErr) {
			s.logger.Info("failed to decode message",
				slog.String("source", source.String()),
				slog.Int("length", len(raw)),
				slog.String("reason", decodeErr.Reason))
			mtid := decodeErr.MTID
			if len(mtid) == 0 {
				mtid = []byte{0, 0, 0, 0}
			}
			reply := krpc.NewError(mtid, decodeErr.Code, decodeErr.Reason)
			reply.SetDestination(source)
			s.SendMessage(reply)
		} else {
			s.logger.Error("unexpected decode failure",
				slog.String("source", source.String()), slog.Any("error", err))
		}
		return
	}

	s.logger.Debug("RPC received message",
		slog.String("source", source.String()),
		slog.String("message", fmt.Sprint(msg)),
		slog.Int("length", len(raw)))
	s.stats.AddReceivedMessageToCount(msg)
	msg.SetOrigin(source)

	// requests just get answered, nothing to correlate
	if msg.Type() == krpc.Request {
		s.handleMessage(msg)
		return
	}

	if msg.Type() == krpc.Response && len(msg.MTID()) != krpc.MTIDLength {
		mtid := msg.MTID()
		s.logger.Debug("response with invalid mtid length", slog.Int("length", len(mtid)))
		reply := krpc.NewError(mtid, krpc.CodeServerError,
			fmt.Sprintf("received a response with a transaction id length of %d bytes, expected: %d bytes", len(mtid), krpc.MTIDLength))
		reply.SetDestination(source)
		s.SendMessage(reply)
		return
	}

	if c := s.calls.get(msg.MTID()); c != nil {
		if c.Destination() == source {
			// remove first so nothing completes the call twice
			if s.calls.removeIf(msg.MTID(), c) {
				c.handleResponse(msg)
				s.doQueuedCalls()
				s.handleMessage(msg)
			}
			return
		}

		// transaction id matched but the response came from an address
		// we never sent to: port-mangling NAT, a multihomed host on a
		// wildcard bind, or spoofing. 48 random bits make coincidence
		// implausible. Ignore it, and expect the upcoming timeout.
		s.logger.Error("mtid matched, socket address did not, ignoring message",
			slog.String("request_dest", c.Destination().String()),
			slog.String("response_source", source.String()))
		c.InjectStall()
		return
	}

	if msg.Type() == krpc.Response && s.now().Sub(s.startTime) > strayResponseGrace {
		s.logger.Debug("no RPC call for response", slog.String("mtid", fmt.Sprintf("%x", msg.MTID())))
		reply := krpc.NewError(msg.MTID(), krpc.CodeServerError,
			"received a response message whose transaction ID did not match a pending request or transaction expired")
		reply.SetDestination(source)
		s.SendMessage(reply)
		return
	}

	if msg.Type() == krpc.ErrorType {
		s.handleMessage(msg)
		return
	}
}

func (s *Server) handleMessage(msg krpc.Message) {
	if msg.Type() == krpc.Response {
		if observed := msg.PublicIP(); observed.IsValid() {
			s.updatePublicIPConsensus(msg.Origin().Addr(), observed)
		}
	}
	s.backend.IncomingMessage(msg)
	msg.Apply(s.backend)
}

// CheckReachability is driven by an external periodic tick. Reception
// since the previous tick marks the server reachable; prolonged silence
// drops the flag and resets the timeout filter.
func (s *Server) CheckReachability(now time.Time) {
	s.reachMu.Lock()
	defer s.reachMu.Unlock()
	received := s.numReceived.Load()
	if received != s.receivesAtLastCheck {
		s.isReachable.Store(true)
		s.lastReceiveChange = now
		s.receivesAtLastCheck = received
	} else if now.Sub(s.lastReceiveChange) > ReachabilityTimeout {
		s.isReachable.Store(false)
		s.timeoutFilter.Reset()
	}
}

func (s *Server) IsReachable() bool {
	return s.isReachable.Load()
}

// PublicAddress returns the locally bound address when it is a globally
// unicast address of the preferred family.
func (s *Server) PublicAddress() netip.Addr {
	local := s.handler.localAddr()
	addr := local.Addr()
	if s.dhtType.Matches(addr) && krpc.IsGlobalUnicast(addr) {
		return addr
	}
	return netip.Addr{}
}

// ConsensusExternalAddress is the majority-elected endpoint peers report
// seeing us at, or the zero AddrPort before an election happened.
func (s *Server) ConsensusExternalAddress() netip.AddrPort {
	if v := s.consensusAddress.Load(); v != nil {
		return v.(netip.AddrPort)
	}
	return netip.AddrPort{}
}

// CombinedPublicAddress prefers the socket's own globally-unicast
// address and falls back to the consensus address.
func (s *Server) CombinedPublicAddress() netip.Addr {
	if addr := s.PublicAddress(); addr.IsValid() {
		return addr
	}
	return s.ConsensusExternalAddress().Addr()
}

const (
	originPairsCap       = 64
	consensusElectionMin = 20
)

type originEntry struct {
	source   netip.Addr
	reported netip.AddrPort
}

// originPairs is the access-ordered LRU of (reporting peer → address the
// peer claims to see for us).
type originPairs struct {
	mu       sync.Mutex
	order    *list.List
	bySource map[netip.Addr]*list.Element
}

func (p *originPairs) init() {
	p.order = list.New()
	p.bySource = make(map[netip.Addr]*list.Element)
}

// put records a report, refreshing recency, and returns the entries in
// order once the map is populated enough for an election (nil before).
func (p *originPairs) put(source netip.Addr, reported netip.AddrPort) []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.bySource[source]; ok {
		el.Value = originEntry{source: source, reported: reported}
		p.order.MoveToBack(el)
	} else {
		p.bySource[source] = p.order.PushBack(originEntry{source: source, reported: reported})
		for p.order.Len() > originPairsCap {
			eldest := p.order.Front()
			p.order.Remove(eldest)
			delete(p.bySource, eldest.Value.(originEntry).source)
		}
	}

	if p.order.Len() <= consensusElectionMin {
		return nil
	}
	values := make([]netip.AddrPort, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		values = append(values, el.Value.(originEntry).reported)
	}
	return values
}

func (s *Server) updatePublicIPConsensus(source netip.Addr, reported netip.AddrPort) {
	if !krpc.IsGlobalUnicast(reported.Addr()) {
		return
	}
	values := s.origins.put(source, reported)
	if values == nil {
		return
	}
	if winner, ok := electConsensus(values); ok {
		s.consensusAddress.Store(winner)
	}
}

// electConsensus picks the most frequent reported address; on a tie the
// candidate that reached the maximum count first wins.
func electConsensus(values []netip.AddrPort) (netip.AddrPort, bool) {
	if len(values) == 0 {
		return netip.AddrPort{}, false
	}
	counts := make(map[netip.AddrPort]int, len(values))
	var best netip.AddrPort
	bestCount := 0
	for _, v := range values {
		counts[v]++
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best, true
}

func (s *Server) String() string {
	return fmt.Sprintf("%s bind: %s consensus: %s rx: %d tx: %d active: %d stall: %s loss: %.3f loss (verified): %.3f",
		s.derivedID, s.bind, s.ConsensusExternalAddress(),
		s.numReceived.Load(), s.numSent.Load(), s.NumActiveCalls(),
		s.timeoutFilter.StallTimeout(),
		s.unverifiedLossrate.Average(), s.verifiedEntryLossrate.Average())
}
