package krpc

import (
	"fmt"

	"github.com/bwrega/mldht/kad/key"
)

// PingRequest probes a node for liveness.
type PingRequest struct {
	base
}

func (*PingRequest) Type() Type     { return Request }
func (*PingRequest) Method() Method { return MethodPing }
func (m *PingRequest) Apply(v Visitor) {
	v.Ping(m)
}

func (m *PingRequest) Encode() ([]byte, error) {
	return encodeQuery(m, queryArgs{ID: string(m.id[:])})
}

func (m *PingRequest) String() string {
	return fmt.Sprintf("ping req mtid:%x id:%s", m.mtid, m.id)
}

// PingResponse acknowledges a ping.
type PingResponse struct {
	base
}

func (*PingResponse) Type() Type     { return Response }
func (*PingResponse) Method() Method { return MethodPing }
func (m *PingResponse) Apply(v Visitor) {
	v.PingReply(m)
}

func (m *PingResponse) Encode() ([]byte, error) {
	return encodeResponse(m, returnValues{ID: string(m.id[:])})
}

func (m *PingResponse) String() string {
	return fmt.Sprintf("ping rsp mtid:%x id:%s", m.mtid, m.id)
}

// FindNodeRequest asks for the closest contacts to Target.
type FindNodeRequest struct {
	base
	Target key.Key
}

func (*FindNodeRequest) Type() Type     { return Request }
func (*FindNodeRequest) Method() Method { return MethodFindNode }
func (m *FindNodeRequest) Apply(v Visitor) {
	v.FindNode(m)
}

func (m *FindNodeRequest) Encode() ([]byte, error) {
	return encodeQuery(m, queryArgs{ID: string(m.id[:]), Target: string(m.Target[:])})
}

func (m *FindNodeRequest) String() string {
	return fmt.Sprintf("find_node req mtid:%x target:%s", m.mtid, m.Target)
}

// FindNodeResponse carries compact node lists for one or both families.
type FindNodeResponse struct {
	base
	Nodes  []byte // compact IPv4 node infos, 26 bytes each
	Nodes6 []byte // compact IPv6 node infos, 38 bytes each
}

func (*FindNodeResponse) Type() Type     { return Response }
func (*FindNodeResponse) Method() Method { return MethodFindNode }
func (m *FindNodeResponse) Apply(v Visitor) {
	v.FindNodeReply(m)
}

func (m *FindNodeResponse) Encode() ([]byte, error) {
	return encodeResponse(m, returnValues{
		ID:     string(m.id[:]),
		Nodes:  string(m.Nodes),
		Nodes6: string(m.Nodes6),
	})
}

func (m *FindNodeResponse) String() string {
	return fmt.Sprintf("find_node rsp mtid:%x nodes:%d nodes6:%d", m.mtid, len(m.Nodes)/26, len(m.Nodes6)/38)
}

// GetPeersRequest asks for peers on an infohash.
type GetPeersRequest struct {
	base
	InfoHash key.Key
}

func (*GetPeersRequest) Type() Type     { return Request }
func (*GetPeersRequest) Method() Method { return MethodGetPeers }
func (m *GetPeersRequest) Apply(v Visitor) {
	v.GetPeers(m)
}

func (m *GetPeersRequest) Encode() ([]byte, error) {
	return encodeQuery(m, queryArgs{ID: string(m.id[:]), InfoHash: string(m.InfoHash[:])})
}

func (m *GetPeersRequest) String() string {
	return fmt.Sprintf("get_peers req mtid:%x infohash:%s", m.mtid, m.InfoHash)
}

// GetPeersResponse returns peer values and/or closer nodes plus a write token.
type GetPeersResponse struct {
	base
	Token  []byte
	Nodes  []byte
	Nodes6 []byte
	Values [][]byte // compact peer addresses, 6 or 18 bytes each
}

func (*GetPeersResponse) Type() Type     { return Response }
func (*GetPeersResponse) Method() Method { return MethodGetPeers }
func (m *GetPeersResponse) Apply(v Visitor) {
	v.GetPeersReply(m)
}

func (m *GetPeersResponse) Encode() ([]byte, error) {
	values := make([]string, 0, len(m.Values))
	for _, v := range m.Values {
		values = append(values, string(v))
	}
	return encodeResponse(m, returnValues{
		ID:     string(m.id[:]),
		Token:  string(m.Token),
		Nodes:  string(m.Nodes),
		Nodes6: string(m.Nodes6),
		Values: values,
	})
}

func (m *GetPeersResponse) String() string {
	return fmt.Sprintf("get_peers rsp mtid:%x values:%d", m.mtid, len(m.Values))
}

// AnnounceRequest registers the sender as a peer for InfoHash.
type AnnounceRequest struct {
	base
	InfoHash    key.Key
	Port        int
	ImpliedPort bool
	Token       []byte
}

func (*AnnounceRequest) Type() Type     { return Request }
func (*AnnounceRequest) Method() Method { return MethodAnnouncePeer }
func (m *AnnounceRequest) Apply(v Visitor) {
	v.AnnouncePeer(m)
}

func (m *AnnounceRequest) Encode() ([]byte, error) {
	args := queryArgs{
		ID:       string(m.id[:]),
		InfoHash: string(m.InfoHash[:]),
		Port:     m.Port,
		Token:    string(m.Token),
	}
	if m.ImpliedPort {
		args.ImpliedPort = 1
	}
	return encodeQuery(m, args)
}

func (m *AnnounceRequest) String() string {
	return fmt.Sprintf("announce_peer req mtid:%x infohash:%s port:%d", m.mtid, m.InfoHash, m.Port)
}

// AnnounceResponse acknowledges an announce.
type AnnounceResponse struct {
	base
}

func (*AnnounceResponse) Type() Type     { return Response }
func (*AnnounceResponse) Method() Method { return MethodAnnouncePeer }
func (m *AnnounceResponse) Apply(v Visitor) {
	v.AnnounceReply(m)
}

func (m *AnnounceResponse) Encode() ([]byte, error) {
	return encodeResponse(m, returnValues{ID: string(m.id[:])})
}

func (m *AnnounceResponse) String() string {
	return fmt.Sprintf("announce_peer rsp mtid:%x id:%s", m.mtid, m.id)
}

// Error is a KRPC error message, sent in reply to protocol violations and
// received when peers reject our traffic.
type Error struct {
	base
	Code    int
	Message string
}

func (*Error) Type() Type     { return ErrorType }
func (*Error) Method() Method { return MethodUnknown }
func (m *Error) Apply(v Visitor) {
	v.ErrorReceived(m)
}

func (m *Error) Encode() ([]byte, error) {
	return encodeError(m)
}

func (m *Error) String() string {
	return fmt.Sprintf("error mtid:%x code:%d %q", m.mtid, m.Code, m.Message)
}

// NewError builds an outbound error message carrying mtid. The caller
// sets the destination.
func NewError(mtid []byte, code int, message string) *Error {
	e := &Error{Code: code, Message: message}
	e.SetMTID(mtid)
	return e
}
