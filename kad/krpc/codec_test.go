package krpc

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/bwrega/mldht/kad/key"
)

func TestPingRequestRoundTrip(t *testing.T) {
	req := &PingRequest{}
	req.SetID(key.Random())
	req.SetMTID([]byte{1, 2, 3, 4, 5, 6})
	req.SetVersion("ml01")

	raw, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[0] != 'd' {
		t.Fatalf("encoded message is not a bencoded dictionary")
	}

	decoded, err := Decode(raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(*PingRequest)
	if !ok {
		t.Fatalf("decoded %T, want *PingRequest", decoded)
	}
	if got.ID() != req.ID() {
		t.Fatalf("id mismatch")
	}
	if !bytes.Equal(got.MTID(), req.MTID()) {
		t.Fatalf("mtid mismatch")
	}
	if got.Version() != "ml01" {
		t.Fatalf("version mismatch")
	}
}

func TestResponseTypingUsesResolver(t *testing.T) {
	rsp := &FindNodeResponse{Nodes: bytes.Repeat([]byte{0xAB}, 26)}
	rsp.SetID(key.Random())
	rsp.SetMTID([]byte{9, 8, 7, 6, 5, 4})

	raw, err := rsp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	resolver := func(mtid []byte) (Method, bool) {
		if bytes.Equal(mtid, rsp.MTID()) {
			return MethodFindNode, true
		}
		return MethodUnknown, false
	}
	decoded, err := Decode(raw, resolver)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	typed, ok := decoded.(*FindNodeResponse)
	if !ok {
		t.Fatalf("decoded %T, want *FindNodeResponse", decoded)
	}
	if !bytes.Equal(typed.Nodes, rsp.Nodes) {
		t.Fatalf("nodes payload lost in transit")
	}

	// without a matching transaction the minimal shape is assumed
	decoded, err = Decode(raw, nil)
	if err != nil {
		t.Fatalf("decode without resolver: %v", err)
	}
	if _, ok := decoded.(*PingResponse); !ok {
		t.Fatalf("unresolved response decoded as %T, want *PingResponse", decoded)
	}
}

func TestGetPeersRoundTrip(t *testing.T) {
	req := &GetPeersRequest{InfoHash: key.Random()}
	req.SetID(key.Random())
	req.SetMTID([]byte("abcdef"))

	raw, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	typed, ok := decoded.(*GetPeersRequest)
	if !ok {
		t.Fatalf("decoded %T, want *GetPeersRequest", decoded)
	}
	if typed.InfoHash != req.InfoHash {
		t.Fatalf("infohash mismatch")
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	req := &AnnounceRequest{
		InfoHash:    key.Random(),
		Port:        6881,
		ImpliedPort: true,
		Token:       []byte("tok"),
	}
	req.SetID(key.Random())
	req.SetMTID([]byte("fedcba"))

	raw, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	typed, ok := decoded.(*AnnounceRequest)
	if !ok {
		t.Fatalf("decoded %T, want *AnnounceRequest", decoded)
	}
	if typed.Port != 6881 || !typed.ImpliedPort || !bytes.Equal(typed.Token, []byte("tok")) {
		t.Fatalf("announce arguments lost: %+v", typed)
	}
}

func TestErrorMessageRoundTrip(t *testing.T) {
	e := NewError([]byte{0, 0, 0, 0}, CodeProtocolError, "invalid bencoding")
	raw, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	typed, ok := decoded.(*Error)
	if !ok {
		t.Fatalf("decoded %T, want *Error", decoded)
	}
	if typed.Code != CodeProtocolError || typed.Message != "invalid bencoding" {
		t.Fatalf("error payload mismatch: %+v", typed)
	}
}

func TestDecodeGarbageIsProtocolError(t *testing.T) {
	_, err := Decode([]byte("dthis is definitely not bencoded"), nil)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if decodeErr.Code != CodeProtocolError {
		t.Fatalf("code = %d, want %d", decodeErr.Code, CodeProtocolError)
	}
	if len(decodeErr.MTID) != 0 {
		t.Fatalf("garbage cannot yield a transaction id")
	}
}

func TestDecodeUnknownMethod(t *testing.T) {
	raw := []byte("d1:ad2:id20:aaaaaaaaaaaaaaaaaaaae1:q4:vote1:t2:xy1:y1:qe")
	_, err := Decode(raw, nil)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if decodeErr.Code != CodeMethodUnknown {
		t.Fatalf("code = %d, want %d", decodeErr.Code, CodeMethodUnknown)
	}
	if string(decodeErr.MTID) != "xy" {
		t.Fatalf("mtid = %q, want %q", decodeErr.MTID, "xy")
	}
}

func TestDecodeMalformedNodeID(t *testing.T) {
	raw := []byte("d1:ad2:id5:shorte1:q4:ping1:t2:xy1:y1:qe")
	_, err := Decode(raw, nil)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if decodeErr.Code != CodeProtocolError {
		t.Fatalf("code = %d, want %d", decodeErr.Code, CodeProtocolError)
	}
}

func TestPublicIPField(t *testing.T) {
	observed := netip.MustParseAddrPort("203.0.113.4:6881")
	rsp := &PingResponse{}
	rsp.SetID(key.Random())
	rsp.SetMTID([]byte("aabbcc"))
	rsp.SetPublicIP(observed)

	raw, err := rsp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := decoded.PublicIP(); got != observed {
		t.Fatalf("public ip = %s, want %s", got, observed)
	}
}

func TestCompactAddrRoundTrip(t *testing.T) {
	for _, addr := range []string{"203.0.113.4:6881", "[2001:db8::1]:6881"} {
		want := netip.MustParseAddrPort(addr)
		packed := packAddr(want)
		got, err := unpackAddr(packed)
		if err != nil {
			t.Fatalf("unpack %s: %v", addr, err)
		}
		if got != want {
			t.Fatalf("round trip %s -> %s", want, got)
		}
	}
	if _, err := unpackAddr([]byte{1, 2, 3}); err == nil {
		t.Fatal("short compact address must fail")
	}
}

func TestIsGlobalUnicast(t *testing.T) {
	cases := map[string]bool{
		"203.0.113.1": true,
		"8.8.8.8":     true,
		"10.0.0.1":    false,
		"192.168.1.1": false,
		"127.0.0.1":   false,
		"0.0.0.0":     false,
		"169.254.1.1": false,
		"2001:db8::1": true,
		"fe80::1":     false,
		"fc00::1":     false,
		"::1":         false,
	}
	for addr, want := range cases {
		if got := IsGlobalUnicast(netip.MustParseAddr(addr)); got != want {
			t.Errorf("IsGlobalUnicast(%s) = %v, want %v", addr, got, want)
		}
	}
}
