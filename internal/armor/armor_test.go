package armor

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/database64128/vl1node/internal/bufpool"
	"github.com/database64128/vl1node/internal/wire"
)

func vectorFromSlice(s bufpool.Slice) bufpool.Vector {
	var v bufpool.Vector
	if err := v.Push(s); err != nil {
		panic(err)
	}
	return v
}

func TestArmorDearmorRoundTripPoly1305None(t *testing.T) {
	pool := bufpool.New(8)
	var peerKey [32]byte
	for i := range peerKey {
		peerKey[i] = byte(i)
	}

	var hdr wire.Header
	hdr.PacketID = 1
	hdr.Destination = wire.Address(0x1111111111)
	hdr.Source = wire.Address(0x2222222222)
	hdr.SetCipher(wire.CipherPoly1305None)
	hdr.Verb = uint8(wire.VerbHELLO)

	payload := []byte("hello world payload")
	out, err := Armor(pool, hdr, payload, &peerKey)
	if err != nil {
		t.Fatalf("Armor() error: %v", err)
	}

	armored := wire.ParseHeader(out.Bytes())
	vec := vectorFromSlice(out)

	plain, err := Dearmor(pool, &vec, armored, &peerKey, netip.AddrPort{}, nil)
	if err != nil {
		t.Fatalf("Dearmor() error: %v", err)
	}
	defer plain.Buf.Release()
	vec.Release()

	got := plain.Bytes()
	want := append([]byte{uint8(wire.VerbHELLO)}, payload...)
	if !bytes.Equal(got, want) {
		t.Fatalf("Dearmor() plaintext = %v, want %v", got, want)
	}
}

func TestArmorDearmorRoundTripPoly1305Salsa2012(t *testing.T) {
	pool := bufpool.New(8)
	var peerKey [32]byte
	for i := range peerKey {
		peerKey[i] = byte(i * 7)
	}

	var hdr wire.Header
	hdr.PacketID = 0xdeadbeef
	hdr.Destination = wire.Address(0x1111111111)
	hdr.Source = wire.Address(0x2222222222)
	hdr.SetCipher(wire.CipherPoly1305Salsa2012)
	hdr.Verb = uint8(wire.VerbOK)

	payload := bytes.Repeat([]byte("payload bytes across a salsa block boundary "), 4)
	out, err := Armor(pool, hdr, payload, &peerKey)
	if err != nil {
		t.Fatalf("Armor() error: %v", err)
	}

	// the wire encryption should have actually changed the payload bytes
	if bytes.Contains(out.Bytes(), payload) {
		t.Fatal("armored packet still contains the plaintext payload")
	}

	armored := wire.ParseHeader(out.Bytes())
	vec := vectorFromSlice(out)

	plain, err := Dearmor(pool, &vec, armored, &peerKey, netip.AddrPort{}, nil)
	if err != nil {
		t.Fatalf("Dearmor() error: %v", err)
	}
	defer plain.Buf.Release()
	vec.Release()

	got := plain.Bytes()
	want := append([]byte{uint8(wire.VerbOK)}, payload...)
	if !bytes.Equal(got, want) {
		t.Fatalf("Dearmor() plaintext mismatch: got %d bytes, want %d bytes", len(got), len(want))
	}
}

func TestDearmorRejectsBadMAC(t *testing.T) {
	pool := bufpool.New(8)
	var peerKey [32]byte
	peerKey[0] = 1

	var hdr wire.Header
	hdr.PacketID = 1
	hdr.SetCipher(wire.CipherPoly1305None)
	hdr.Verb = uint8(wire.VerbHELLO)

	out, err := Armor(pool, hdr, []byte("data"), &peerKey)
	if err != nil {
		t.Fatalf("Armor() error: %v", err)
	}

	armored := wire.ParseHeader(out.Bytes())
	armored.MAC ^= 1 // corrupt

	vec := vectorFromSlice(out)
	_, err = Dearmor(pool, &vec, armored, &peerKey, netip.AddrPort{}, nil)
	vec.Release()
	if err != ErrMACFailed {
		t.Fatalf("Dearmor() with corrupted MAC = %v, want ErrMACFailed", err)
	}
}

func TestDearmorCipherNoneRequiresTrust(t *testing.T) {
	pool := bufpool.New(8)

	var hdr wire.Header
	hdr.SetCipher(wire.CipherNone)
	hdr.MAC = 42
	hdr.Verb = uint8(wire.VerbHELLO)

	out, err := Armor(pool, hdr, []byte("data"), nil)
	if err != nil {
		t.Fatalf("Armor() error: %v", err)
	}
	armored := wire.ParseHeader(out.Bytes())

	vec := vectorFromSlice(out)
	_, err = Dearmor(pool, &vec, armored, nil, netip.AddrPort{}, func(netip.AddrPort, uint64) bool { return false })
	vec.Release()
	if err != ErrNotTrustedPath {
		t.Fatalf("Dearmor() with untrusted path = %v, want ErrNotTrustedPath", err)
	}
}

func TestDearmorCipherNoneTrusted(t *testing.T) {
	pool := bufpool.New(8)

	var hdr wire.Header
	hdr.SetCipher(wire.CipherNone)
	hdr.MAC = 42
	hdr.Verb = uint8(wire.VerbHELLO)

	out, err := Armor(pool, hdr, []byte("data"), nil)
	if err != nil {
		t.Fatalf("Armor() error: %v", err)
	}
	armored := wire.ParseHeader(out.Bytes())

	vec := vectorFromSlice(out)
	plain, err := Dearmor(pool, &vec, armored, nil, netip.AddrPort{}, func(_ netip.AddrPort, id uint64) bool { return id == 42 })
	vec.Release()
	if err != nil {
		t.Fatalf("Dearmor() error: %v", err)
	}
	defer plain.Buf.Release()

	want := append([]byte{uint8(wire.VerbHELLO)}, []byte("data")...)
	if !bytes.Equal(plain.Bytes(), want) {
		t.Fatalf("Dearmor() plaintext = %v, want %v", plain.Bytes(), want)
	}
}

func TestDearmorRejectsUnsupportedCipherSuite(t *testing.T) {
	pool := bufpool.New(8)

	var hdr wire.Header
	hdr.Flags = 0x3 << 3 // reserved AES_GCM_NRH id
	hdr.Verb = uint8(wire.VerbHELLO)

	b, ok := pool.Get()
	if !ok {
		t.Fatal("pool exhausted")
	}
	n := hdr.MarshalTo(b.B[:])
	vec := vectorFromSlice(bufpool.Slice{Buf: b, Start: 0, End: n})

	_, err := Dearmor(pool, &vec, hdr, nil, netip.AddrPort{}, nil)
	vec.Release()
	if err != ErrUnsupportedCipherSuite {
		t.Fatalf("Dearmor() with reserved cipher suite = %v, want ErrUnsupportedCipherSuite", err)
	}
}

func TestDearmorRejectsUndersizePacket(t *testing.T) {
	pool := bufpool.New(8)
	b, ok := pool.Get()
	if !ok {
		t.Fatal("pool exhausted")
	}
	vec := vectorFromSlice(bufpool.Slice{Buf: b, Start: 0, End: 4})

	var hdr wire.Header
	_, err := Dearmor(pool, &vec, hdr, nil, netip.AddrPort{}, nil)
	vec.Release()
	if err != ErrMalformed {
		t.Fatalf("Dearmor() on undersize packet = %v, want ErrMalformed", err)
	}
}

func TestRebalanceAlignsToBlockBoundary(t *testing.T) {
	pool := bufpool.New(4)
	b1, ok := pool.Get()
	if !ok {
		t.Fatal("pool exhausted")
	}
	b2, ok := pool.Get()
	if !ok {
		t.Fatal("pool exhausted")
	}
	defer b1.Release()
	defer b2.Release()

	segs := []seg{
		{buf: b1, start: 0, end: 70}, // not a multiple of 64
		{buf: b2, start: 0, end: 100},
	}
	rebalance(segs)

	if (segs[0].end-segs[0].start)%64 != 0 {
		t.Fatalf("first segment length %d is not 64-aligned after rebalance", segs[0].end-segs[0].start)
	}
}
