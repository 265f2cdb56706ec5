package nio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	maxEpollEvents     = 64
	pollTimeoutMillis  = 1000
	stateCheckInterval = time.Second
)

var ErrManagerClosed = errors.New("nio: manager closed")

// Manager multiplexes readiness notifications for registered selectables
// over one epoll instance. One goroutine owns the wait loop; registration
// and interest changes may come from any goroutine.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	epfd     int
	items    map[int]Selectable
	closed   bool
	started  bool
	quit     chan struct{}
	done     chan struct{}
	lastScan time.Time
}

func NewManager(logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "nio"))
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("nio: epoll_create: %w", err)
	}
	return &Manager{
		logger: logger,
		epfd:   epfd,
		items:  make(map[int]Selectable),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the wait loop. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.loop()
}

func (m *Manager) Register(s Selectable) error {
	fd := s.FD()
	if fd < 0 {
		return fmt.Errorf("nio: register with invalid fd")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	event := unix.EpollEvent{Events: epollEvents(s.CalcInterestOps()), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("nio: epoll_ctl add: %w", err)
	}
	m.items[fd] = s
	return nil
}

func (m *Manager) Deregister(s Selectable) {
	fd := s.FD()
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || m.closed {
		return
	}
	if _, ok := m.items[fd]; !ok {
		return
	}
	delete(m.items, fd)
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		m.logger.Debug("epoll_ctl del failed", slog.Int("fd", fd), slog.Any("error", err))
	}
}

// InterestOpsChanged re-reads CalcInterestOps and updates the epoll
// registration. Safe to call from any goroutine, including selection
// event handlers.
func (m *Manager) InterestOpsChanged(s Selectable) {
	fd := s.FD()
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || m.closed {
		return
	}
	if _, ok := m.items[fd]; !ok {
		return
	}
	event := unix.EpollEvent{Events: epollEvents(s.CalcInterestOps()), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		m.logger.Debug("epoll_ctl mod failed", slog.Int("fd", fd), slog.Any("error", err))
	}
}

// Close stops the loop and releases the epoll instance. Registered
// selectables are not closed; their owners remain responsible.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	close(m.quit)
	if started {
		<-m.done
	}
	unix.Close(m.epfd)
}

func (m *Manager) loop() {
	defer close(m.done)
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		select {
		case <-m.quit:
			return
		default:
		}

		n, err := unix.EpollWait(m.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.logger.Error("epoll_wait failed", slog.Any("error", err))
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			m.mu.Lock()
			s := m.items[int(ev.Fd)]
			m.mu.Unlock()
			if s == nil {
				continue
			}
			readable := ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0
			writable := ev.Events&unix.EPOLLOUT != 0
			s.SelectionEvent(readable, writable)
		}

		now := time.Now()
		if now.Sub(m.lastScan) >= stateCheckInterval {
			m.lastScan = now
			m.mu.Lock()
			snapshot := make([]Selectable, 0, len(m.items))
			for _, s := range m.items {
				snapshot = append(snapshot, s)
			}
			m.mu.Unlock()
			for _, s := range snapshot {
				s.DoStateChecks(now)
			}
		}
	}
}

func epollEvents(ops int) uint32 {
	var events uint32
	if ops&OpRead != 0 {
		events |= unix.EPOLLIN
	}
	if ops&OpWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}
