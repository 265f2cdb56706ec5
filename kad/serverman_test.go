package kad

import (
	"net/netip"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*ServerManager, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	manager, err := NewServerManager(ManagerConfig{
		Backend:   backend,
		Scheduler: inlineScheduler{},
		OpenChannel: func(bind netip.AddrPort, _ int) (Channel, error) {
			return newSimChannel(bind), nil
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Stop)
	return manager, backend
}

func TestManagerCreatesAndTracksServers(t *testing.T) {
	manager, _ := newTestManager(t)

	bind := netip.MustParseAddrPort("127.0.0.1:49011")
	srv, err := manager.NewServer(bind, IPv4DHT)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if len(manager.ActiveServers()) != 1 {
		t.Fatalf("expected 1 active server")
	}

	if _, err := manager.NewServer(bind, IPv4DHT); err == nil {
		t.Fatalf("duplicate bind must be rejected")
	}

	srv.Stop()
	if len(manager.ActiveServers()) != 0 {
		t.Fatalf("stopped server still tracked")
	}
}

func TestManagerStopStopsServers(t *testing.T) {
	manager, backend := newTestManager(t)

	if _, err := manager.NewServer(netip.MustParseAddrPort("127.0.0.1:49012"), IPv4DHT); err != nil {
		t.Fatalf("new server: %v", err)
	}
	if _, err := manager.NewServer(netip.MustParseAddrPort("[::1]:49012"), IPv6DHT); err != nil {
		t.Fatalf("new v6 server: %v", err)
	}

	manager.Start()
	time.Sleep(10 * time.Millisecond)
	manager.Stop()

	if len(manager.ActiveServers()) != 0 {
		t.Fatalf("servers survived manager stop")
	}
	backend.mu.Lock()
	released := len(backend.removedIDs)
	backend.mu.Unlock()
	if released != 2 {
		t.Fatalf("released %d derived ids, want 2", released)
	}
}
