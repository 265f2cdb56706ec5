package krpc

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"

	"github.com/bwrega/mldht/kad/key"
)

// KRPC error codes per BEP 5.
const (
	CodeGenericError  = 201
	CodeServerError   = 202
	CodeProtocolError = 203
	CodeMethodUnknown = 204
)

// DecodeError reports why an inbound packet could not be turned into a
// message. Code and MTID feed the error reply the server sends back; an
// empty MTID means the transaction id could not be recovered.
type DecodeError struct {
	Code   int
	MTID   []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return e.Reason
}

func protocolErr(mtid []byte, format string, args ...any) *DecodeError {
	return &DecodeError{Code: CodeProtocolError, MTID: mtid, Reason: fmt.Sprintf(format, args...)}
}

// MethodResolver recovers the method of a pending call from its
// transaction id so response dictionaries can be typed. The second return
// is false when no call matches.
type MethodResolver func(mtid []byte) (Method, bool)

// wireError is the two-element "e" list [code, message].
type wireError struct {
	Code    int
	Message string
}

var (
	_ bencode.Marshaler   = wireError{}
	_ bencode.Unmarshaler = (*wireError)(nil)
)

func (e wireError) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]any{e.Code, e.Message})
}

func (e *wireError) UnmarshalBencode(b []byte) error {
	var raw []any
	if err := bencode.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) > 0 {
		if code, ok := raw[0].(int64); ok {
			e.Code = int(code)
		}
	}
	if len(raw) > 1 {
		if msg, ok := raw[1].(string); ok {
			e.Message = msg
		}
	}
	return nil
}

type queryArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	Token       string `bencode:"token,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
}

type returnValues struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Nodes6 string   `bencode:"nodes6,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

type envelope struct {
	T  string        `bencode:"t"`
	Y  string        `bencode:"y"`
	Q  string        `bencode:"q,omitempty"`
	A  *queryArgs    `bencode:"a,omitempty"`
	R  *returnValues `bencode:"r,omitempty"`
	E  *wireError    `bencode:"e,omitempty"`
	V  string        `bencode:"v,omitempty"`
	IP string        `bencode:"ip,omitempty"`
}

func newEnvelope(m Message) envelope {
	env := envelope{
		T: string(m.MTID()),
		Y: m.Type().String(),
		V: m.Version(),
	}
	if ip := m.PublicIP(); ip.IsValid() {
		env.IP = string(packAddr(ip))
	}
	return env
}

func encodeQuery(m Message, args queryArgs) ([]byte, error) {
	env := newEnvelope(m)
	env.Q = m.Method().String()
	env.A = &args
	return bencode.Marshal(env)
}

func encodeResponse(m Message, ret returnValues) ([]byte, error) {
	env := newEnvelope(m)
	env.R = &ret
	return bencode.Marshal(env)
}

func encodeError(m *Error) ([]byte, error) {
	env := newEnvelope(m)
	env.E = &wireError{Code: m.Code, Message: m.Message}
	return bencode.Marshal(env)
}

// Decode parses one datagram into a typed message. Response dictionaries
// do not name the method they answer, so the resolver peeks the pending
// call for the transaction id. Failures come back as *DecodeError; the
// caller replies with the carried code and transaction id.
func Decode(raw []byte, resolver MethodResolver) (Message, error) {
	var env envelope
	if err := bencode.Unmarshal(raw, &env); err != nil {
		var trailing bencode.ErrUnusedTrailingBytes
		if !errors.As(err, &trailing) {
			return nil, &DecodeError{Code: CodeProtocolError, Reason: fmt.Sprintf("invalid bencoding: %v", err)}
		}
	}
	mtid := []byte(env.T)

	var m Message
	switch env.Y {
	case "q":
		req, err := parseRequest(&env, mtid)
		if err != nil {
			return nil, err
		}
		m = req
	case "r":
		rsp, err := parseResponse(&env, mtid, resolver)
		if err != nil {
			return nil, err
		}
		m = rsp
	case "e":
		e := &Error{Code: CodeGenericError}
		if env.E != nil {
			e.Code = env.E.Code
			e.Message = env.E.Message
		}
		m = e
	case "":
		return nil, protocolErr(mtid, "missing message type")
	default:
		return nil, protocolErr(mtid, "unknown message type %q", env.Y)
	}

	m.SetMTID(mtid)
	m.SetVersion(env.V)
	if env.IP != "" {
		if addr, err := unpackAddr([]byte(env.IP)); err == nil {
			m.SetPublicIP(addr)
		}
	}
	return m, nil
}

func parseRequest(env *envelope, mtid []byte) (Message, error) {
	if env.A == nil {
		return nil, protocolErr(mtid, "query without arguments")
	}
	id, err := key.FromBytes([]byte(env.A.ID))
	if err != nil {
		return nil, protocolErr(mtid, "malformed node id in query")
	}

	var m Message
	switch methodFromString(env.Q) {
	case MethodPing:
		m = &PingRequest{}
	case MethodFindNode:
		target, err := key.FromBytes([]byte(env.A.Target))
		if err != nil {
			return nil, protocolErr(mtid, "malformed find_node target")
		}
		m = &FindNodeRequest{Target: target}
	case MethodGetPeers:
		hash, err := key.FromBytes([]byte(env.A.InfoHash))
		if err != nil {
			return nil, protocolErr(mtid, "malformed get_peers infohash")
		}
		m = &GetPeersRequest{InfoHash: hash}
	case MethodAnnouncePeer:
		hash, err := key.FromBytes([]byte(env.A.InfoHash))
		if err != nil {
			return nil, protocolErr(mtid, "malformed announce_peer infohash")
		}
		m = &AnnounceRequest{
			InfoHash:    hash,
			Port:        env.A.Port,
			ImpliedPort: env.A.ImpliedPort != 0,
			Token:       []byte(env.A.Token),
		}
	default:
		return nil, &DecodeError{Code: CodeMethodUnknown, MTID: mtid, Reason: fmt.Sprintf("unknown method %q", env.Q)}
	}
	m.SetID(id)
	return m, nil
}

func parseResponse(env *envelope, mtid []byte, resolver MethodResolver) (Message, error) {
	if env.R == nil {
		return nil, protocolErr(mtid, "response without return values")
	}
	id, err := key.FromBytes([]byte(env.R.ID))
	if err != nil {
		return nil, protocolErr(mtid, "malformed node id in response")
	}

	method := MethodPing
	if resolver != nil {
		if resolved, ok := resolver(mtid); ok {
			method = resolved
		}
	}

	var m Message
	switch method {
	case MethodFindNode:
		m = &FindNodeResponse{Nodes: []byte(env.R.Nodes), Nodes6: []byte(env.R.Nodes6)}
	case MethodGetPeers:
		values := make([][]byte, 0, len(env.R.Values))
		for _, v := range env.R.Values {
			values = append(values, []byte(v))
		}
		m = &GetPeersResponse{
			Token:  []byte(env.R.Token),
			Nodes:  []byte(env.R.Nodes),
			Nodes6: []byte(env.R.Nodes6),
			Values: values,
		}
	case MethodAnnouncePeer:
		m = &AnnounceResponse{}
	default:
		// ping and unresolved transactions share the minimal shape
		m = &PingResponse{}
	}
	m.SetID(id)
	return m, nil
}
