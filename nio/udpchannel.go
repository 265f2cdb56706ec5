package nio

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrNoBufferSpace is returned by Send when the kernel reports ENOBUFS.
// Callers back off exactly as they would for a zero-byte send.
var ErrNoBufferSpace = errors.New("nio: no buffer space available")

// ErrChannelClosed is returned after Close.
var ErrChannelClosed = errors.New("nio: channel closed")

// UDPChannel is a non-blocking datagram socket. Send never blocks: it
// reports (0, nil) when the kernel would block, mirroring the behavior
// the write state machine keys off. Receive reports an invalid AddrPort
// when no datagram is pending.
type UDPChannel struct {
	fd     atomic.Int32
	local  netip.AddrPort
	ipv6   bool
	closed atomic.Bool
}

// OpenUDP binds a non-blocking UDP socket to bind. The receive buffer is
// raised to rcvBuf bytes when positive.
func OpenUDP(bind netip.AddrPort, rcvBuf int) (*UDPChannel, error) {
	family := unix.AF_INET
	ipv6 := bind.Addr().Is6() && !bind.Addr().Is4In6()
	if ipv6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("nio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nio: SO_REUSEADDR: %w", err)
	}
	if rcvBuf > 0 {
		// best effort, capped by net.core.rmem_max
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf)
	}
	if ipv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("nio: IPV6_V6ONLY: %w", err)
		}
	}
	if err := unix.Bind(fd, sockaddrFrom(bind, ipv6)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nio: bind %s: %w", bind, err)
	}

	local := bind
	if sa, err := unix.Getsockname(fd); err == nil {
		if resolved, ok := addrPortFrom(sa); ok {
			local = resolved
		}
	}

	ch := &UDPChannel{local: local, ipv6: ipv6}
	ch.fd.Store(int32(fd))
	return ch, nil
}

func (c *UDPChannel) FD() int {
	return int(c.fd.Load())
}

func (c *UDPChannel) LocalAddr() netip.AddrPort {
	return c.local
}

func (c *UDPChannel) IsOpen() bool {
	return !c.closed.Load()
}

// Send writes one datagram to dest. Returns (0, nil) when the socket
// would block and ErrNoBufferSpace on ENOBUFS.
func (c *UDPChannel) Send(b []byte, dest netip.AddrPort) (int, error) {
	fd := c.FD()
	if c.closed.Load() || fd < 0 {
		return 0, ErrChannelClosed
	}
	err := unix.Sendto(fd, b, 0, sockaddrFrom(dest, c.ipv6))
	switch {
	case err == nil:
		return len(b), nil
	case err == unix.EAGAIN:
		return 0, nil
	case err == unix.ENOBUFS:
		return 0, ErrNoBufferSpace
	case c.closed.Load():
		return 0, ErrChannelClosed
	default:
		return 0, fmt.Errorf("nio: sendto %s: %w", dest, err)
	}
}

// Receive reads one datagram into b. An invalid AddrPort with a nil error
// means no datagram was pending.
func (c *UDPChannel) Receive(b []byte) (int, netip.AddrPort, error) {
	fd := c.FD()
	if c.closed.Load() || fd < 0 {
		return 0, netip.AddrPort{}, ErrChannelClosed
	}
	n, sa, err := unix.Recvfrom(fd, b, 0)
	switch {
	case err == unix.EAGAIN:
		return 0, netip.AddrPort{}, nil
	case err != nil:
		if c.closed.Load() {
			return 0, netip.AddrPort{}, ErrChannelClosed
		}
		return 0, netip.AddrPort{}, fmt.Errorf("nio: recvfrom: %w", err)
	}
	source, ok := addrPortFrom(sa)
	if !ok {
		return 0, netip.AddrPort{}, nil
	}
	return n, source, nil
}

func (c *UDPChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	fd := c.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	return unix.Close(int(fd))
}

func sockaddrFrom(a netip.AddrPort, ipv6 bool) unix.Sockaddr {
	if ipv6 {
		sa := &unix.SockaddrInet6{Port: int(a.Port())}
		sa.Addr = a.Addr().As16()
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(a.Port())}
	sa.Addr = a.Addr().Unmap().As4()
	return sa
}

func addrPortFrom(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port)), true
	}
	return netip.AddrPort{}, false
}
