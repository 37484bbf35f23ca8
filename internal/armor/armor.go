// Package armor implements per-cipher-suite packet authentication and
// decryption: the three cipher suites negotiated in the wire header's
// flags byte (NONE, POLY1305_NONE, POLY1305_SALSA2012), each reducing a
// [bufpool.Vector] plus the peer's long-term key to an authenticated
// plaintext [bufpool.Slice] beginning at the verb byte.
package armor

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/database64128/vl1node/internal/bufpool"
	"github.com/database64128/vl1node/internal/crypto/salsa2012"
	"github.com/database64128/vl1node/internal/wire"
	"golang.org/x/crypto/poly1305"
)

// Errors returned by [Dearmor]. Every one corresponds to a categorized
// drop reason the caller is expected to trace (SPEC_FULL.md §7).
var (
	ErrMalformed              = errors.New("armor: undersize or malformed packet")
	ErrMACFailed              = errors.New("armor: MAC verification failed")
	ErrNotTrustedPath         = errors.New("armor: path is not trusted for cipher NONE")
	ErrUnsupportedCipherSuite = errors.New("armor: unsupported cipher suite")
	ErrOOM                    = errors.New("armor: buffer pool exhausted")
)

// TrustedPathChecker reports whether an inbound path is administratively
// trusted to carry cipher-NONE packets claiming the given trusted-path id.
// It is the Armor-side half of the Topology collaborator interface
// (SPEC_FULL.md §6).
type TrustedPathChecker func(pathAddr netip.AddrPort, trustedPathID uint64) bool

// Dearmor authenticates (and, for POLY1305_SALSA2012, decrypts) the packet
// described by hdr and vec, returning a single contiguous plaintext slice
// that begins at the verb byte (i.e. what was [wire.EncryptedSectionStart]
// on the wire). vec is not modified or released; the caller retains
// ownership of it and should release it once done, independent of the
// returned slice.
func Dearmor(pool *bufpool.Pool, vec *bufpool.Vector, hdr wire.Header, peerKey *[32]byte, pathAddr netip.AddrPort, trusted TrustedPathChecker) (bufpool.Slice, error) {
	if vec.TotalLen() < wire.MinPacketLength {
		return bufpool.Slice{}, ErrMalformed
	}

	switch hdr.Cipher() {
	case wire.CipherNone:
		if trusted == nil || !trusted(pathAddr, hdr.MAC) {
			return bufpool.Slice{}, ErrNotTrustedPath
		}
		out, ok := assembleFrom(pool, vec, wire.EncryptedSectionStart)
		if !ok {
			return bufpool.Slice{}, ErrOOM
		}
		return out, nil

	case wire.CipherPoly1305None:
		return dearmorPolyNone(pool, vec, hdr, peerKey)

	case wire.CipherPoly1305Salsa2012:
		return dearmorPolySalsa2012(pool, vec, hdr, peerKey)

	default:
		return bufpool.Slice{}, ErrUnsupportedCipherSuite
	}
}

// DerivePerPacketKey mixes the peer's long-term key with the packet id so
// that a valid MAC also proves the sender knew the long-term key, without
// reusing the exact same one-time key across packets.
func DerivePerPacketKey(longTermKey *[32]byte, packetID uint64) [32]byte {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], packetID)

	var mixed [32]byte
	for i := range mixed {
		mixed[i] = longTermKey[i] ^ idBytes[i%8]
	}
	return mixed
}

// PacketNonce derives the 8-byte Salsa20/12 nonce from a packet id,
// clearing the low bit of the last byte per the wire format's IV
// convention (shared with the HELLO/OK trailer encryption, SPEC_FULL.md
// §4.4).
func PacketNonce(packetID uint64) [8]byte {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], packetID)
	nonce[7] &^= 1
	return nonce
}

// VerifyMAC computes the Poly1305 tag of m under key and compares its low
// 64 bits, big-endian, against want in constant time.
func VerifyMAC(m []byte, key *[32]byte, want uint64) bool {
	var tag [16]byte
	poly1305.Sum(&tag, m, key)
	var wantBytes [8]byte
	binary.BigEndian.PutUint64(wantBytes[:], want)
	return subtle.ConstantTimeCompare(tag[:8], wantBytes[:]) == 1
}

func dearmorPolyNone(pool *bufpool.Pool, vec *bufpool.Vector, hdr wire.Header, peerKey *[32]byte) (bufpool.Slice, error) {
	mixed := DerivePerPacketKey(peerKey, hdr.PacketID)
	nonce := PacketNonce(hdr.PacketID)
	cipher := salsa2012.New(&mixed, &nonce)
	var polyKey [32]byte
	cipher.KeyStream(polyKey[:])

	tail, ok := assembleFrom(pool, vec, wire.EncryptedSectionStart)
	if !ok {
		return bufpool.Slice{}, ErrOOM
	}
	if !VerifyMAC(tail.Bytes(), &polyKey, hdr.MAC) {
		tail.Buf.Release()
		return bufpool.Slice{}, ErrMACFailed
	}
	return tail, nil
}

func dearmorPolySalsa2012(pool *bufpool.Pool, vec *bufpool.Vector, hdr wire.Header, peerKey *[32]byte) (bufpool.Slice, error) {
	mixed := DerivePerPacketKey(peerKey, hdr.PacketID)
	nonce := PacketNonce(hdr.PacketID)
	cipher := salsa2012.New(&mixed, &nonce)
	var polyKey [32]byte
	cipher.KeyStream(polyKey[:])

	segs := buildSegs(vec, wire.EncryptedSectionStart)
	rebalance(segs)

	cipherText, ok := assembleSegs(pool, segs)
	if !ok {
		return bufpool.Slice{}, ErrOOM
	}
	macOK := VerifyMAC(cipherText.Bytes(), &polyKey, hdr.MAC)
	cipherText.Buf.Release()
	if !macOK {
		return bufpool.Slice{}, ErrMACFailed
	}

	out, ok := pool.Get()
	if !ok {
		return bufpool.Slice{}, ErrOOM
	}
	n := 0
	for _, sg := range segs {
		l := sg.end - sg.start
		if l == 0 {
			continue
		}
		cipher.XORKeyStream(out.B[n:n+l], sg.buf.B[sg.start:sg.end])
		n += l
	}
	return bufpool.Slice{Buf: out, Start: 0, End: n}, nil
}

// seg is a local, mutable (buf, start, end) view used while rebalancing;
// unlike [bufpool.Slice] it never outlives a single Dearmor call and never
// takes its own reference on buf.
type seg struct {
	buf   *bufpool.Buf
	start int
	end   int
}

// buildSegs flattens vec into local segs, trimming skip bytes from the
// front of the logical byte stream (used to skip past the cleartext
// header and land on the encrypted section).
func buildSegs(vec *bufpool.Vector, skip int) []seg {
	segs := make([]seg, 0, vec.Len())
	remaining := skip
	for i := range vec.Len() {
		s := vec.At(i)
		start, end := s.Start, s.End
		if remaining > 0 {
			if remaining >= end-start {
				remaining -= end - start
				continue
			}
			start += remaining
			remaining = 0
		}
		if end > start {
			segs = append(segs, seg{buf: s.Buf, start: start, end: end})
		}
	}
	return segs
}

// rebalance moves bytes from the head of each segment onto the tail of
// the previous one so that every segment but the last has a length that's
// a multiple of 64, the Salsa20 block size. Each buf reserves 64 bytes of
// headroom beyond its slices' normal capacity for exactly this purpose
// (SPEC_FULL.md §4.2, §9). When the next segment holds fewer bytes than
// are needed, all of them are moved and the earlier segment stays
// unaligned.
func rebalance(segs []seg) {
	for i := range len(segs) - 1 {
		length := segs[i].end - segs[i].start
		over := length % 64
		if over == 0 {
			continue
		}
		need := 64 - over
		avail := segs[i+1].end - segs[i+1].start
		if need > avail {
			need = avail
		}
		if need == 0 {
			continue
		}
		copy(segs[i].buf.B[segs[i].end:segs[i].end+need], segs[i+1].buf.B[segs[i+1].start:segs[i+1].start+need])
		segs[i].end += need
		segs[i+1].start += need
	}
}

func assembleFrom(pool *bufpool.Pool, vec *bufpool.Vector, skip int) (bufpool.Slice, bool) {
	return assembleSegs(pool, buildSegs(vec, skip))
}

func assembleSegs(pool *bufpool.Pool, segs []seg) (bufpool.Slice, bool) {
	nb, ok := pool.Get()
	if !ok {
		return bufpool.Slice{}, false
	}
	n := 0
	for _, sg := range segs {
		n += copy(nb.B[n:], sg.buf.B[sg.start:sg.end])
	}
	return bufpool.Slice{Buf: nb, Start: 0, End: n}, true
}

// Armor builds an outbound packet from hdr and payload, authenticating
// (and, for POLY1305_SALSA2012, encrypting) it under peerKey according to
// hdr.Cipher(). For the Poly1305 suites hdr.MAC is overwritten; for
// CipherNone it is written as given (the trusted-path id). Every other
// field must already be
// set by the caller, including the cipher suite bits packed into Flags via
// [wire.Header.SetCipher].
func Armor(pool *bufpool.Pool, hdr wire.Header, payload []byte, peerKey *[32]byte) (bufpool.Slice, error) {
	if wire.PayloadStart+len(payload) > wire.MaxPacketLength {
		return bufpool.Slice{}, ErrMalformed
	}

	out, ok := pool.Get()
	if !ok {
		return bufpool.Slice{}, ErrOOM
	}
	n := hdr.MarshalTo(out.B[:])
	copy(out.B[n:], payload)
	total := n + len(payload)

	switch hdr.Cipher() {
	case wire.CipherNone:
		// hdr.MAC already carries the trusted-path id and was written by
		// MarshalTo; nothing further to authenticate.

	case wire.CipherPoly1305None:
		mixed := DerivePerPacketKey(peerKey, hdr.PacketID)
		nonce := PacketNonce(hdr.PacketID)
		cipher := salsa2012.New(&mixed, &nonce)
		var polyKey [32]byte
		cipher.KeyStream(polyKey[:])
		writeMAC(out.B[:], total, &polyKey)

	case wire.CipherPoly1305Salsa2012:
		mixed := DerivePerPacketKey(peerKey, hdr.PacketID)
		nonce := PacketNonce(hdr.PacketID)
		cipher := salsa2012.New(&mixed, &nonce)
		var polyKey [32]byte
		cipher.KeyStream(polyKey[:])
		cipher.XORKeyStream(out.B[wire.EncryptedSectionStart:total], out.B[wire.EncryptedSectionStart:total])
		writeMAC(out.B[:], total, &polyKey)

	default:
		out.Release()
		return bufpool.Slice{}, ErrUnsupportedCipherSuite
	}

	return bufpool.Slice{Buf: out, Start: 0, End: total}, nil
}

// writeMAC computes the Poly1305 tag of b[wire.EncryptedSectionStart:total]
// under key and writes its low 64 bits, big-endian, into the header's MAC
// field.
func writeMAC(b []byte, total int, key *[32]byte) {
	var tag [16]byte
	poly1305.Sum(&tag, b[wire.EncryptedSectionStart:total], key)
	copy(b[19:27], tag[:8])
}
