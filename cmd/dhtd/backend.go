package main

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/bwrega/mldht/kad"
	"github.com/bwrega/mldht/kad/key"
	"github.com/bwrega/mldht/kad/krpc"
	"github.com/bwrega/mldht/nodecache"
)

// standaloneBackend is the daemon's minimal DHT layer: it answers ping
// and find_node queries, feeds node sightings into the cache, and leaves
// routing-table logic to the embedding application.
type standaloneBackend struct {
	logger *slog.Logger
	cache  *nodecache.Cache

	mu      sync.Mutex
	servers map[key.Key]*kad.Server
	ids     map[key.Key]struct{}
}

func newStandaloneBackend(logger *slog.Logger, cache *nodecache.Cache) *standaloneBackend {
	return &standaloneBackend{
		logger:  logger,
		cache:   cache,
		servers: make(map[key.Key]*kad.Server),
		ids:     make(map[key.Key]struct{}),
	}
}

// attach binds a started server to its derived id so replies can be
// routed back out the right socket.
func (b *standaloneBackend) attach(s *kad.Server) {
	b.mu.Lock()
	b.servers[s.DerivedID()] = s
	b.mu.Unlock()
}

func (b *standaloneBackend) serverForAddr(addr netip.Addr) *kad.Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.servers {
		if s.Type().Matches(addr) {
			return s
		}
	}
	return nil
}

func (b *standaloneBackend) anyServer() *kad.Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.servers {
		return s
	}
	return nil
}

func (b *standaloneBackend) RegisterID() key.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		id := key.Random()
		if _, taken := b.ids[id]; !taken {
			b.ids[id] = struct{}{}
			return id
		}
	}
}

func (b *standaloneBackend) RemoveID(id key.Key) {
	b.mu.Lock()
	delete(b.ids, id)
	delete(b.servers, id)
	b.mu.Unlock()
}

func (b *standaloneBackend) Timeout(c *kad.Call) {
	id := c.Request().ID()
	if b.cache == nil || id.IsZero() {
		return
	}
	if err := b.cache.RecordTimeout(id, time.Now()); err != nil {
		b.logger.Debug("record timeout", slog.Any("error", err))
	}
}

func (b *standaloneBackend) IncomingMessage(m krpc.Message) {
	if b.cache == nil || m.ID().IsZero() {
		return
	}
	now := time.Now()
	if err := b.cache.Put(m.ID(), m.Origin().String(), now); err != nil {
		b.logger.Debug("cache node", slog.Any("error", err))
		return
	}
	if m.Type() == krpc.Response {
		_ = b.cache.RecordResponse(m.ID(), now)
	}
}

func (b *standaloneBackend) reply(req krpc.Message, rsp krpc.Message) {
	rsp.SetMTID(req.MTID())
	rsp.SetDestination(req.Origin())
	srv := b.serverForAddr(req.Origin().Addr())
	if srv == nil {
		srv = b.anyServer()
	}
	if srv == nil {
		return
	}
	srv.SendMessage(rsp)
}

func (b *standaloneBackend) Ping(m *krpc.PingRequest) {
	b.reply(m, &krpc.PingResponse{})
}

func (b *standaloneBackend) FindNode(m *krpc.FindNodeRequest) {
	// no routing table in the standalone daemon; answer with an empty
	// node list so callers still learn our id and external address
	b.reply(m, &krpc.FindNodeResponse{})
}

func (b *standaloneBackend) GetPeers(m *krpc.GetPeersRequest) {
	b.reply(m, &krpc.GetPeersResponse{})
}

func (b *standaloneBackend) AnnouncePeer(m *krpc.AnnounceRequest) {
	err := krpc.NewError(m.MTID(), krpc.CodeServerError, "announces are not accepted by this node")
	b.reply(m, err)
}

func (b *standaloneBackend) PingReply(*krpc.PingResponse)         {}
func (b *standaloneBackend) FindNodeReply(*krpc.FindNodeResponse) {}
func (b *standaloneBackend) GetPeersReply(*krpc.GetPeersResponse) {}
func (b *standaloneBackend) AnnounceReply(*krpc.AnnounceResponse) {}

func (b *standaloneBackend) ErrorReceived(m *krpc.Error) {
	b.logger.Debug("peer reported error",
		slog.Int("code", m.Code),
		slog.String("message", m.Message))
}
