package kad

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/bwrega/mldht/nio"
)

const reachabilityCheckInterval = time.Second

var ErrDuplicateBind = errors.New("kad: server already bound to address")

// ServerManager owns the per-endpoint servers of one node: it creates
// them against shared collaborators, ticks their reachability watchdogs,
// and drops them from the active set when they stop.
type ServerManager struct {
	backend   Backend
	reactor   nio.Reactor
	scheduler nio.Scheduler
	throttle  *SpamThrottle
	logger    *slog.Logger
	open      ChannelOpener
	now       func() time.Time

	mu      sync.Mutex
	servers map[netip.AddrPort]*Server

	quit    chan struct{}
	done    chan struct{}
	started bool
}

type ManagerConfig struct {
	Backend     Backend
	Reactor     nio.Reactor
	Scheduler   nio.Scheduler
	Throttle    *SpamThrottle
	Logger      *slog.Logger
	OpenChannel ChannelOpener
	Now         func() time.Time
}

func NewServerManager(cfg ManagerConfig) (*ServerManager, error) {
	if cfg.Backend == nil {
		return nil, ErrNoBackend
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "servermanager"))
	}
	if cfg.Throttle == nil {
		cfg.Throttle = NewSpamThrottle(0, 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ServerManager{
		backend:   cfg.Backend,
		reactor:   cfg.Reactor,
		scheduler: cfg.Scheduler,
		throttle:  cfg.Throttle,
		logger:    cfg.Logger,
		open:      cfg.OpenChannel,
		now:       cfg.Now,
		servers:   make(map[netip.AddrPort]*Server),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// NewServer creates and starts a server bound to bind.
func (m *ServerManager) NewServer(bind netip.AddrPort, t *DHTType) (*Server, error) {
	m.mu.Lock()
	if _, exists := m.servers[bind]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBind, bind)
	}
	m.mu.Unlock()

	srv, err := NewServer(ServerConfig{
		Backend:     m.backend,
		Type:        t,
		Bind:        bind,
		Reactor:     m.reactor,
		Scheduler:   m.scheduler,
		Throttle:    m.throttle,
		Logger:      m.logger,
		OpenChannel: m.open,
		OnStopped:   m.serverRemoved,
		Now:         m.now,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.servers[bind] = srv
	m.mu.Unlock()
	return srv, nil
}

func (m *ServerManager) serverRemoved(s *Server) {
	m.mu.Lock()
	delete(m.servers, s.BindAddress())
	m.mu.Unlock()
	m.logger.Info("RPC server removed", slog.String("bind", s.BindAddress().String()))
}

// ActiveServers snapshots the running servers.
func (m *ServerManager) ActiveServers() []*Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	return out
}

// Start launches the watchdog tick loop. Idempotent.
func (m *ServerManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

func (m *ServerManager) run() {
	defer close(m.done)
	ticker := time.NewTicker(reachabilityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := m.now()
			for _, s := range m.ActiveServers() {
				s.CheckReachability(now)
			}
		case <-m.quit:
			return
		}
	}
}

// Stop halts the tick loop and stops every server.
func (m *ServerManager) Stop() {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()

	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	if started {
		<-m.done
	}
	for _, s := range m.ActiveServers() {
		s.Stop()
	}
}
