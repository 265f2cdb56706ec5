package krpc

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Compact address encoding per BEP 5: 4 (or 16) address bytes followed by
// a big-endian 16-bit port.

func packAddr(a netip.AddrPort) []byte {
	if !a.IsValid() {
		return nil
	}
	addr := a.Addr().Unmap()
	raw := addr.AsSlice()
	out := make([]byte, len(raw)+2)
	copy(out, raw)
	binary.BigEndian.PutUint16(out[len(raw):], a.Port())
	return out
}

func unpackAddr(b []byte) (netip.AddrPort, error) {
	switch len(b) {
	case 6, 18:
	default:
		return netip.AddrPort{}, fmt.Errorf("krpc: compact address of %d bytes", len(b))
	}
	addr, ok := netip.AddrFromSlice(b[:len(b)-2])
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("krpc: bad compact address")
	}
	port := binary.BigEndian.Uint16(b[len(b)-2:])
	return netip.AddrPortFrom(addr.Unmap(), port), nil
}

// IsGlobalUnicast reports whether addr is a publicly routable unicast
// address, i.e. one a remote peer could plausibly reach us at.
func IsGlobalUnicast(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	switch {
	case addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsMulticast(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsPrivate():
		return false
	}
	if addr.Is6() {
		// unique local fc00::/7
		if b := addr.As16(); b[0]&0xfe == 0xfc {
			return false
		}
	}
	return true
}
