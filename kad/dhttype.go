package kad

import "net/netip"

// DHTType parameterizes a server by address family. Two servers may
// coexist, one per family, sharing the routing table and codec.
type DHTType struct {
	Name string

	// MaxPacketSize bounds encoded outbound messages.
	MaxPacketSize int

	// HeaderLength is the per-datagram IP+UDP overhead counted by the
	// byte statistics.
	HeaderLength int

	// NodesEntryLength is the compact node info size for this family.
	NodesEntryLength int
}

var (
	IPv4DHT = &DHTType{
		Name:             "IPv4",
		MaxPacketSize:    1500,
		HeaderLength:     20 + 8,
		NodesEntryLength: 26,
	}
	IPv6DHT = &DHTType{
		Name:             "IPv6",
		MaxPacketSize:    1280,
		HeaderLength:     40 + 8,
		NodesEntryLength: 38,
	}
)

// Matches reports whether addr belongs to this family.
func (t *DHTType) Matches(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	if t == IPv6DHT {
		return addr.Is6() && !addr.Is4In6()
	}
	return addr.Unmap().Is4()
}
