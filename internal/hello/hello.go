// Package hello implements the two-stage HELLO/OK handshake that promotes
// an unknown sender to a known peer: Poly1305 verification against a
// freshly agreed (or reused) long-term key, an optional but
// increasingly-mandatory HMAC-SHA-384 trailer, admission rate-gating, and
// construction of the OK reply.
package hello

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/database64128/vl1node/internal/armor"
	"github.com/database64128/vl1node/internal/bufpool"
	"github.com/database64128/vl1node/internal/crypto/kbkdf"
	"github.com/database64128/vl1node/internal/crypto/salsa2012"
	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/selfawareness"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/internal/trace"
	"github.com/database64128/vl1node/internal/wire"
)

// MandatoryHMACProtoVersion is the protocol version at and above which the
// HMAC-SHA-384 trailer is required rather than optional.
const MandatoryHMACProtoVersion = 11

// helloFixedLen is the size of a HELLO body before the embedded identity:
// protocol version(1) + major(1) + minor(1) + revision(2) + timestamp(8).
const helloFixedLen = 1 + 1 + 1 + 2 + 8

const (
	helloHMACLabel = "HELLO_HMAC"
	helloHMACReq   = 0 // KBKDF iter for the requester's (HELLO sender's) HMAC
	helloHMACReply = 1 // KBKDF iter for the replier's (OK sender's) HMAC
)

// RateGater is the subset of the Node collaborator HELLO admission needs
// (SPEC_FULL.md §6).
type RateGater interface {
	RateGateIdentityVerification(now time.Time, addr netip.AddrPort) bool
}

// Body is a parsed HELLO (or OK) payload.
type Body struct {
	ProtocolVersion uint8
	Major           uint8
	Minor           uint8
	Revision        uint16
	Timestamp       int64
	ID              identity.Identity
	Dict            wire.Dictionary
	HMACPresent     bool
}

// VersionInfo bundles the four version fields advertised in HELLO/OK.
type VersionInfo struct {
	Protocol uint8
	Major    uint8
	Minor    uint8
	Revision uint16
}

// Config configures a [Handler].
type Config struct {
	Identity        identity.Identity
	Version         VersionInfo
	MinProtoVersion uint8
	Dictionary      wire.Dictionary
}

// Handler implements the HELLO/OK handshake.
type Handler struct {
	cfg   Config
	topo  *topology.Topology
	sa    *selfawareness.SelfAwareness
	trace trace.Tracer
	pool  *bufpool.Pool
}

// New creates a Handler.
func New(cfg Config, topo *topology.Topology, sa *selfawareness.SelfAwareness, tracer trace.Tracer, pool *bufpool.Pool) *Handler {
	return &Handler{cfg: cfg, topo: topo, sa: sa, trace: tracer, pool: pool}
}

// Outcome is the result of [Handler.Handle].
type Outcome struct {
	Reply    bufpool.Slice
	HasReply bool
	Peer     *topology.Peer
	Dropped  bool
	Reason   trace.DropReason
}

// Handle processes a HELLO. plaintext is the verb+payload section exactly
// as it arrived: for an unknown sender on POLY1305_NONE this is the
// still-MAC-unverified assembled packet (the generic armor stage can't
// verify it without a key yet); for a known peer it is already
// armor-verified plaintext. alreadyAuthenticated tells Handle which case
// it's in.
func (h *Handler) Handle(now time.Time, plaintext []byte, hdr wire.Header, alreadyAuthenticated bool, path *topology.Path, localSocket topology.LocalSocket, rateGate RateGater, newPacketID func() uint64) Outcome {
	drop := func(peer identity.Identity, reason trace.DropReason) Outcome {
		h.trace.IncomingPacketDropped(0xe110, hdr.PacketID, 0, peer, path.Address(), hdr.Hops(), wire.VerbHELLO, reason)
		return Outcome{Dropped: true, Reason: reason}
	}

	if len(plaintext) < 1+helloFixedLen+identity.WireLen {
		return drop(identity.NIL, trace.MalformedPacket)
	}
	body, n, err := parseBody(plaintext[1:])
	if err != nil {
		return drop(identity.NIL, trace.MalformedPacket)
	}
	if body.ProtocolVersion < h.cfg.MinProtoVersion {
		return drop(body.ID, trace.PeerTooOld)
	}
	if hdr.Source != body.ID.Address() {
		return drop(body.ID, trace.InvalidObject)
	}

	existingPeer, known := h.topo.Get(hdr.Source)

	var key [wire.PeerSecretKeyLen]byte
	switch {
	case known && existingPeer.Identity().Sign == body.ID.Sign && existingPeer.Identity().AgreePub == body.ID.AgreePub:
		key = existingPeer.Key()
	default:
		k, err := h.cfg.Identity.Agree(body.ID)
		if err != nil {
			return drop(body.ID, trace.InvalidObject)
		}
		key = k
	}

	if !alreadyAuthenticated {
		polyKey := derivePolyKey(&key, hdr.PacketID)
		if !armor.VerifyMAC(plaintext, &polyKey, hdr.MAC) {
			return drop(body.ID, trace.MACFailed)
		}
	}

	trailer := plaintext[1+n:]
	dict, hmacOK, hmacPresent := parseTrailer(&key, hdr.PacketID, trailer)
	if body.ProtocolVersion >= MandatoryHMACProtoVersion && !hmacPresent {
		return drop(body.ID, trace.MACFailed)
	}
	if hmacPresent && !hmacOK {
		return drop(body.ID, trace.MACFailed)
	}
	if hmacPresent {
		body.Dict = dict
		body.HMACPresent = true
	}

	if !known {
		if rateGate != nil && !rateGate.RateGateIdentityVerification(now, path.Address()) {
			return drop(body.ID, trace.RateLimitExceeded)
		}
		if !body.ID.LocallyValidate() {
			return drop(body.ID, trace.InvalidObject)
		}
	}

	peer := h.topo.Add(topology.NewPeer(body.ID, key))
	peer.SetVersionInfo(body.ProtocolVersion, body.Major, body.Minor, body.Revision)
	peer.Received(path, now)

	if hdr.Hops() == 0 {
		if surface, ok := body.Dict["surface"]; ok {
			if addr, err := netip.ParseAddrPort(surface); err == nil {
				h.sa.Iam(body.ID, localSocket, path.Address(), addr, h.topo.IsRoot(body.ID), now)
			}
		}
	}

	reply, err := h.buildOK(newPacketID(), hdr.PacketID, body.Timestamp, body.ID.Address(), path.Address(), body.ProtocolVersion, &key)
	if err != nil {
		return Outcome{Peer: peer}
	}
	return Outcome{Reply: reply, HasReply: true, Peer: peer}
}

func parseBody(b []byte) (Body, int, error) {
	if len(b) < helloFixedLen {
		return Body{}, 0, wire.ErrDictionaryTruncated
	}
	var body Body
	body.ProtocolVersion = b[0]
	body.Major = b[1]
	body.Minor = b[2]
	body.Revision = binary.BigEndian.Uint16(b[3:5])
	body.Timestamp = int64(binary.BigEndian.Uint64(b[5:13]))

	id, n, err := identity.Parse(b[helloFixedLen:])
	if err != nil {
		return Body{}, 0, err
	}
	body.ID = id
	return body, helloFixedLen + n, nil
}

func derivePolyKey(key *[wire.PeerSecretKeyLen]byte, packetID uint64) [32]byte {
	mixed := armor.DerivePerPacketKey(key, packetID)
	nonce := armor.PacketNonce(packetID)
	cipher := salsa2012.New(&mixed, &nonce)
	var polyKey [32]byte
	cipher.KeyStream(polyKey[:])
	return polyKey
}

// trailerCipher returns a Salsa20/12 stream keyed directly by the peer's
// long-term key (unlike the per-packet armor key, no per-packet mixing is
// applied — the wire format defines this IV independently of the main
// packet MAC layer).
func trailerCipher(key *[wire.PeerSecretKeyLen]byte, packetID uint64) *salsa2012.Cipher {
	nonce := armor.PacketNonce(packetID)
	return salsa2012.New(key, &nonce)
}

// parseTrailer decrypts and decodes the optional encrypted trailer
// described in SPEC_FULL.md §4.4 step 5: a legacy length field (always
// zero), a dictionary, an additional-fields region (currently always
// empty), and a mandatory-for-v11+ HMAC-SHA-384 over everything preceding
// it. hmacPresent is false when trailer is too short to hold one, which is
// legal for pre-v11 peers.
func parseTrailer(key *[wire.PeerSecretKeyLen]byte, packetID uint64, trailer []byte) (dict wire.Dictionary, hmacOK, hmacPresent bool) {
	if len(trailer) < 4 {
		return nil, false, false
	}
	cipher := trailerCipher(key, packetID)
	plain := make([]byte, len(trailer))
	cipher.XORKeyStream(plain, trailer)

	dictLen := int(binary.BigEndian.Uint16(plain[2:4]))
	off := 4 + dictLen
	if len(plain) < off {
		return nil, false, false
	}
	d, err := wire.DecodeDictionary(plain[4:off])
	if err != nil {
		return nil, false, false
	}

	if len(plain) < off+2 {
		return d, false, false
	}
	addlLen := int(binary.BigEndian.Uint16(plain[off : off+2]))
	off += 2 + addlLen
	if len(plain) < off+kbkdf.Len {
		return d, false, false
	}
	wantHMAC := plain[off : off+kbkdf.Len]
	macKey := kbkdf.Derive(key[:], helloHMACLabel, helloHMACReq)
	computed := hmacSum384(macKey[:], plain[:off])
	return d, constEqual(wantHMAC, computed[:]), true
}

func hmacSum384(key, msg []byte) [kbkdf.Len]byte {
	mac := hmac.New(sha512.New384, key)
	mac.Write(msg)
	var out [kbkdf.Len]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func constEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// buildOK constructs the OK reply to a HELLO: echoes the HELLO's packet id
// as inRePacketId and its timestamp, advertises our own version info and
// the path address we observed the HELLO from, and for v≥11 peers appends
// our node-metadata dictionary and a reply HMAC. The reply is armored with
// POLY1305_SALSA2012 under key.
func (h *Handler) buildOK(packetID, inRePacketID uint64, echoedTimestamp int64, destination wire.Address, observedAddr netip.AddrPort, peerProtoVersion uint8, key *[wire.PeerSecretKeyLen]byte) (bufpool.Slice, error) {
	payload := make([]byte, 0, 64)
	payload = binary.BigEndian.AppendUint64(payload, inRePacketID)
	payload = binary.BigEndian.AppendUint64(payload, uint64(echoedTimestamp))
	payload = append(payload, h.cfg.Version.Protocol, h.cfg.Version.Major, h.cfg.Version.Minor)
	payload = binary.BigEndian.AppendUint16(payload, h.cfg.Version.Revision)
	addrStr := observedAddr.String()
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(addrStr)))
	payload = append(payload, addrStr...)

	if peerProtoVersion >= MandatoryHMACProtoVersion {
		dictBytes := h.cfg.Dictionary.AppendTo(nil)
		var legacyAndDict []byte
		legacyAndDict = binary.BigEndian.AppendUint16(legacyAndDict, 0)
		legacyAndDict = binary.BigEndian.AppendUint16(legacyAndDict, uint16(len(dictBytes)))
		legacyAndDict = append(legacyAndDict, dictBytes...)
		legacyAndDict = binary.BigEndian.AppendUint16(legacyAndDict, 0) // no additional fields

		macKey := kbkdf.Derive(key[:], helloHMACLabel, helloHMACReply)
		tag := hmacSum384(macKey[:], legacyAndDict)

		trailer := append(legacyAndDict, tag[:]...)
		cipher := trailerCipher(key, packetID)
		encTrailer := make([]byte, len(trailer))
		cipher.XORKeyStream(encTrailer, trailer)
		payload = append(payload, encTrailer...)
	}

	var hdr wire.Header
	hdr.PacketID = packetID
	hdr.Destination = destination
	hdr.Source = h.cfg.Identity.Address()
	hdr.Verb = uint8(wire.VerbOK)
	hdr.SetCipher(wire.CipherPoly1305Salsa2012)
	return armor.Armor(h.pool, hdr, payload, key)
}
