// Package krpc implements the bencoded KRPC message layer of the
// BitTorrent DHT protocol (BEP 5): typed query, response and error
// messages plus the wire codec that maps them onto bencode dictionaries.
package krpc

import (
	"net/netip"

	"github.com/bwrega/mldht/kad/key"
)

// MTIDLength is the transaction id size this implementation generates.
// Remote peers may use other lengths in their own queries; we echo those
// verbatim.
const MTIDLength = 6

// Type classifies a message by its top-level "y" entry.
type Type int

const (
	Invalid Type = iota
	Request
	Response
	ErrorType
)

func (t Type) String() string {
	switch t {
	case Request:
		return "q"
	case Response:
		return "r"
	case ErrorType:
		return "e"
	}
	return "invalid"
}

// Method identifies the RPC a query performs or a response answers.
type Method int

const (
	MethodUnknown Method = iota
	MethodPing
	MethodFindNode
	MethodGetPeers
	MethodAnnouncePeer
)

func (m Method) String() string {
	switch m {
	case MethodPing:
		return "ping"
	case MethodFindNode:
		return "find_node"
	case MethodGetPeers:
		return "get_peers"
	case MethodAnnouncePeer:
		return "announce_peer"
	}
	return "unknown"
}

func methodFromString(s string) Method {
	switch s {
	case "ping":
		return MethodPing
	case "find_node":
		return MethodFindNode
	case "get_peers":
		return MethodGetPeers
	case "announce_peer":
		return MethodAnnouncePeer
	}
	return MethodUnknown
}

// Message is one KRPC message, inbound or outbound.
type Message interface {
	Type() Type
	Method() Method

	MTID() []byte
	SetMTID([]byte)

	ID() key.Key
	SetID(key.Key)

	Destination() netip.AddrPort
	SetDestination(netip.AddrPort)
	Origin() netip.AddrPort
	SetOrigin(netip.AddrPort)

	Version() string
	SetVersion(string)

	// PublicIP is the "ip" entry responses may carry: the address the
	// responder observed us as. The zero AddrPort means absent.
	PublicIP() netip.AddrPort
	SetPublicIP(netip.AddrPort)

	Encode() ([]byte, error)
	Apply(Visitor)
}

// Visitor receives correctly-classified messages for application against
// the DHT layer.
type Visitor interface {
	Ping(*PingRequest)
	FindNode(*FindNodeRequest)
	GetPeers(*GetPeersRequest)
	AnnouncePeer(*AnnounceRequest)

	PingReply(*PingResponse)
	FindNodeReply(*FindNodeResponse)
	GetPeersReply(*GetPeersResponse)
	AnnounceReply(*AnnounceResponse)

	ErrorReceived(*Error)
}

// base carries the fields shared by every message variant.
type base struct {
	mtid     []byte
	id       key.Key
	dest     netip.AddrPort
	origin   netip.AddrPort
	version  string
	publicIP netip.AddrPort
}

func (b *base) MTID() []byte                     { return b.mtid }
func (b *base) SetMTID(mtid []byte)              { b.mtid = mtid }
func (b *base) ID() key.Key                      { return b.id }
func (b *base) SetID(id key.Key)                 { b.id = id }
func (b *base) Destination() netip.AddrPort      { return b.dest }
func (b *base) SetDestination(a netip.AddrPort)  { b.dest = a }
func (b *base) Origin() netip.AddrPort           { return b.origin }
func (b *base) SetOrigin(a netip.AddrPort)       { b.origin = a }
func (b *base) Version() string                  { return b.version }
func (b *base) SetVersion(v string)              { b.version = v }
func (b *base) PublicIP() netip.AddrPort         { return b.publicIP }
func (b *base) SetPublicIP(a netip.AddrPort)     { b.publicIP = a }
