package hello

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/database64128/vl1node/internal/armor"
	"github.com/database64128/vl1node/internal/bufpool"
	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/selfawareness"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/internal/trace"
	"github.com/database64128/vl1node/internal/wire"
	"github.com/database64128/vl1node/tslogtest"
	"golang.org/x/crypto/poly1305"
)

type fakeTransport struct{}

func (fakeTransport) WriteToUDPAddrPort(topology.LocalSocket, []byte, netip.AddrPort) (int, error) {
	return 0, nil
}

type recordingTracer struct {
	drops []trace.DropReason
}

func (rt *recordingTracer) IncomingPacketDropped(code uint32, packetID uint64, networkID uint64, peer identity.Identity, pathAddr netip.AddrPort, hops uint8, verb wire.Verb, reason trace.DropReason) {
	rt.drops = append(rt.drops, reason)
}

func (rt *recordingTracer) UnexpectedError(code uint32, msg string) {}

func computeMAC(m []byte, key *[32]byte) uint64 {
	var tag [16]byte
	poly1305.Sum(&tag, m, key)
	return binary.BigEndian.Uint64(tag[:8])
}

func buildHelloPlaintext(t *testing.T, sender identity.Identity, protoVersion uint8, timestamp int64) []byte {
	t.Helper()
	b := []byte{uint8(wire.VerbHELLO)}
	b = append(b, protoVersion, 1, 0)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = binary.BigEndian.AppendUint64(b, uint64(timestamp))
	b = sender.AppendTo(b)
	return b
}

type testFixture struct {
	server  identity.Identity
	client  identity.Identity
	key     [wire.PeerSecretKeyLen]byte
	handler *Handler
	path    *topology.Path
	tracer  *recordingTracer
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	server, err := identity.GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}
	client, err := identity.GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}
	key, err := server.Agree(client)
	if err != nil {
		t.Fatalf("Agree() error: %v", err)
	}

	topo := topology.New(fakeTransport{})
	sa := selfawareness.New(tslogtest.Config{}.NewTestLogger(t))
	tracer := &recordingTracer{}
	pool := bufpool.New(16)

	cfg := Config{
		Identity:        server,
		Version:         VersionInfo{Protocol: 10, Major: 1, Minor: 0, Revision: 0},
		MinProtoVersion: 0,
	}
	h := New(cfg, topo, sa, tracer, pool)
	path := topo.GetPath(topology.LocalSocket(0), netip.MustParseAddrPort("203.0.113.1:9993"))

	return &testFixture{server: server, client: client, key: key, handler: h, path: path, tracer: tracer}
}

func TestHandleAcceptsValidHello(t *testing.T) {
	f := newFixture(t)

	var hdr wire.Header
	hdr.PacketID = 1
	hdr.Source = f.client.Address()

	plaintext := buildHelloPlaintext(t, f.client, 10, 1234)
	polyKey := derivePolyKey(&f.key, hdr.PacketID)
	hdr.MAC = computeMAC(plaintext, &polyKey)

	outcome := f.handler.Handle(time.Unix(0, 0), plaintext, hdr, false, f.path, topology.LocalSocket(0), nil, func() uint64 { return 2 })
	if outcome.Dropped {
		t.Fatalf("Handle() dropped a valid HELLO: %v", outcome.Reason)
	}
	if outcome.Peer == nil {
		t.Fatal("Handle() did not admit a peer")
	}
	if outcome.Peer.Address() != f.client.Address() {
		t.Fatal("admitted peer has the wrong address")
	}
	if !outcome.HasReply {
		t.Fatal("Handle() did not produce an OK reply")
	}
	defer outcome.Reply.Buf.Release()

	// The OK reply is armored with POLY1305_SALSA2012, which encrypts the
	// verb byte, so the verb is read from the dearmored plaintext.
	reply := outcome.Reply.Bytes()
	replyHdr := wire.ParseHeader(reply)
	rpool := bufpool.New(2)
	rb, _ := rpool.Get()
	var rvec bufpool.Vector
	_ = rvec.Push(bufpool.Slice{Buf: rb, Start: 0, End: copy(rb.B[:], reply)})
	plain, err := armor.Dearmor(rpool, &rvec, replyHdr, &f.key, netip.AddrPort{}, nil)
	rvec.Release()
	if err != nil {
		t.Fatalf("Dearmor() of the OK reply error: %v", err)
	}
	defer plain.Buf.Release()
	if got := wire.Verb(plain.Bytes()[0] & wire.VerbMask); got != wire.VerbOK {
		t.Fatalf("reply verb = %v, want OK", got)
	}
	if replyHdr.Destination != f.client.Address() {
		t.Fatal("reply is not addressed back to the HELLO sender")
	}
}

func TestHandleRejectsBadMAC(t *testing.T) {
	f := newFixture(t)

	var hdr wire.Header
	hdr.PacketID = 1
	hdr.Source = f.client.Address()

	plaintext := buildHelloPlaintext(t, f.client, 10, 1234)
	hdr.MAC = 0xdeadbeef // wrong

	outcome := f.handler.Handle(time.Unix(0, 0), plaintext, hdr, false, f.path, topology.LocalSocket(0), nil, func() uint64 { return 2 })
	if !outcome.Dropped || outcome.Reason != trace.MACFailed {
		t.Fatalf("Handle() with bad MAC = %+v, want dropped with MACFailed", outcome)
	}
}

func TestHandleRejectsSourceIdentityMismatch(t *testing.T) {
	f := newFixture(t)

	other, err := identity.GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal() error: %v", err)
	}

	var hdr wire.Header
	hdr.PacketID = 1
	hdr.Source = other.Address() // does not match the embedded identity

	plaintext := buildHelloPlaintext(t, f.client, 10, 1234)
	polyKey := derivePolyKey(&f.key, hdr.PacketID)
	hdr.MAC = computeMAC(plaintext, &polyKey)

	outcome := f.handler.Handle(time.Unix(0, 0), plaintext, hdr, false, f.path, topology.LocalSocket(0), nil, func() uint64 { return 2 })
	if !outcome.Dropped || outcome.Reason != trace.InvalidObject {
		t.Fatalf("Handle() with mismatched source = %+v, want dropped with InvalidObject", outcome)
	}
}

func TestHandleRejectsTooOldProtocolVersion(t *testing.T) {
	f := newFixture(t)
	f.handler.cfg.MinProtoVersion = 5

	var hdr wire.Header
	hdr.PacketID = 1
	hdr.Source = f.client.Address()

	plaintext := buildHelloPlaintext(t, f.client, 3, 1234)
	polyKey := derivePolyKey(&f.key, hdr.PacketID)
	hdr.MAC = computeMAC(plaintext, &polyKey)

	outcome := f.handler.Handle(time.Unix(0, 0), plaintext, hdr, false, f.path, topology.LocalSocket(0), nil, func() uint64 { return 2 })
	if !outcome.Dropped || outcome.Reason != trace.PeerTooOld {
		t.Fatalf("Handle() with too-old protocol version = %+v, want dropped with PeerTooOld", outcome)
	}
}

func TestHandleRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	var hdr wire.Header
	hdr.PacketID = 1

	outcome := f.handler.Handle(time.Unix(0, 0), []byte{uint8(wire.VerbHELLO), 1, 2}, hdr, false, f.path, topology.LocalSocket(0), nil, func() uint64 { return 2 })
	if !outcome.Dropped || outcome.Reason != trace.MalformedPacket {
		t.Fatalf("Handle() with truncated body = %+v, want dropped with MalformedPacket", outcome)
	}
}

func TestHandleRateGated(t *testing.T) {
	f := newFixture(t)

	var hdr wire.Header
	hdr.PacketID = 1
	hdr.Source = f.client.Address()

	plaintext := buildHelloPlaintext(t, f.client, 10, 1234)
	polyKey := derivePolyKey(&f.key, hdr.PacketID)
	hdr.MAC = computeMAC(plaintext, &polyKey)

	gate := rateGaterFunc(func(time.Time, netip.AddrPort) bool { return false })
	outcome := f.handler.Handle(time.Unix(0, 0), plaintext, hdr, false, f.path, topology.LocalSocket(0), gate, func() uint64 { return 2 })
	if !outcome.Dropped || outcome.Reason != trace.RateLimitExceeded {
		t.Fatalf("Handle() rate-gated = %+v, want dropped with RateLimitExceeded", outcome)
	}
}

type rateGaterFunc func(time.Time, netip.AddrPort) bool

func (f rateGaterFunc) RateGateIdentityVerification(now time.Time, addr netip.AddrPort) bool {
	return f(now, addr)
}

func TestHandleAlreadyAuthenticatedSkipsMACCheck(t *testing.T) {
	f := newFixture(t)

	var hdr wire.Header
	hdr.PacketID = 1
	hdr.Source = f.client.Address()
	hdr.MAC = 0 // would fail verification, but we're marking it pre-authenticated

	plaintext := buildHelloPlaintext(t, f.client, 10, 1234)

	outcome := f.handler.Handle(time.Unix(0, 0), plaintext, hdr, true, f.path, topology.LocalSocket(0), nil, func() uint64 { return 2 })
	if outcome.Dropped {
		t.Fatalf("Handle() with alreadyAuthenticated=true dropped: %v", outcome.Reason)
	}
}

func TestHandleReusesExistingPeerKey(t *testing.T) {
	f := newFixture(t)
	existing := topology.NewPeer(f.client, f.key)
	f.handler.topo.Add(existing)

	var hdr wire.Header
	hdr.PacketID = 5
	hdr.Source = f.client.Address()

	plaintext := buildHelloPlaintext(t, f.client, 10, 1234)
	polyKey := derivePolyKey(&f.key, hdr.PacketID)
	hdr.MAC = computeMAC(plaintext, &polyKey)

	outcome := f.handler.Handle(time.Unix(0, 0), plaintext, hdr, false, f.path, topology.LocalSocket(0), nil, func() uint64 { return 2 })
	if outcome.Dropped {
		t.Fatalf("Handle() for already-known peer dropped: %v", outcome.Reason)
	}
	if outcome.Peer != existing {
		t.Fatal("Handle() should return the already-known peer, not a new one")
	}
}
