// Package wire defines the VL1 wire format: packet and fragment headers,
// verbs, cipher suite ids, the 40-bit node address, and the small binary
// dictionary used by HELLO/OK to carry node metadata.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Sizing constants, carried forward from the original implementation's
// protocol header layout (see SPEC_FULL.md §3).
const (
	AddressLength = 5 // 40 bits

	// HeaderLength is sizeof(PacketHeader): packet-id(8) + destination(5) +
	// source(5) + flags(1) + mac(8). The verb byte immediately follows at
	// offset HeaderLength; it is not counted in HeaderLength
	// because, unlike the other fields, it is covered by the MAC (see
	// EncryptedSectionStart below). spec.md §3 describes the verb byte as
	// part of "the first 27 bytes", which double-counts it against the
	// other six fields (8+5+5+1+8+1=28, not 27); original_source resolves
	// the ambiguity (ZT_PROTO_PACKET_ENCRYPTED_SECTION_START=27,
	// ZT_PROTO_PACKET_PAYLOAD_START=28), which this file follows.
	HeaderLength         = 27 // PacketHeader on the wire, verb byte excluded
	FragmentHeaderLength = 16 // FragmentHeader on the wire

	FragmentIndicatorIndex = 13
	FragmentIndicator      = 0xff

	// EncryptedSectionStart is the offset of the verb byte: everything
	// from here onward (verb + payload) is covered by the MAC, and is the
	// ciphertext region for POLY1305_SALSA2012.
	EncryptedSectionStart = HeaderLength
	// PayloadStart is the offset of the first payload byte, after the verb.
	PayloadStart = HeaderLength + 1

	MinFragmentLength = 16
	MinPacketLength   = PayloadStart

	MaxFragmentsPerPacket = 16
	MaxPacketLength       = 16384

	// BufCapacity is the fixed size of every pool buffer: the maximum
	// packet length plus 64 bytes of tail headroom reserved for Armor's
	// Salsa20 block-alignment shuffle (spec.md §3, §4.2, §9).
	BufCapacity = MaxPacketLength + 64

	Poly1305KeyLen   = 32
	HMACSHA384Len    = 48
	PeerSecretKeyLen = 32
	MaxPayload       = MaxPacketLength - PayloadStart
)

// CipherSuite identifies the per-packet authentication/encryption scheme
// carried in bits 3-4 of the header's flags byte.
type CipherSuite uint8

const (
	CipherNone             CipherSuite = 0 // trusted path, MAC field carries a trusted-path id
	CipherPoly1305None     CipherSuite = 1 // authenticate only
	CipherPoly1305Salsa2012 CipherSuite = 2 // authenticate and encrypt
	// cipherAESGCMNRH is reserved. The original implementation has a dead,
	// never-compiled case for it; we reserve the id so that a peer which
	// (incorrectly) sets it gets ErrUnsupportedCipherSuite rather than
	// being silently folded into "unknown cipher" (SPEC_FULL.md §4.2).
	cipherAESGCMNRH CipherSuite = 3
)

func (c CipherSuite) String() string {
	switch c {
	case CipherNone:
		return "NONE"
	case CipherPoly1305None:
		return "POLY1305_NONE"
	case CipherPoly1305Salsa2012:
		return "POLY1305_SALSA2012"
	case cipherAESGCMNRH:
		return "AES_GCM_NRH(reserved)"
	default:
		return fmt.Sprintf("CipherSuite(%d)", uint8(c))
	}
}

// Verb identifies the message type carried by a packet's verb byte
// (low 5 bits; the high 3 bits are flags, see [VerbMask] and
// [VerbFlagCompressed]).
type Verb uint8

const (
	VerbNOP                      Verb = 0
	VerbHELLO                    Verb = 1
	VerbERROR                    Verb = 2
	VerbOK                       Verb = 3
	VerbWHOIS                    Verb = 4
	VerbRENDEZVOUS               Verb = 5
	VerbFRAME                    Verb = 6
	VerbEXTFRAME                 Verb = 7
	VerbECHO                     Verb = 8
	VerbMULTICASTLIKE            Verb = 9
	VerbNETWORKCREDENTIALS       Verb = 10
	VerbNETWORKCONFIGREQUEST     Verb = 11
	VerbNETWORKCONFIG            Verb = 12
	VerbMULTICASTGATHER          Verb = 13
	VerbMULTICASTFRAMEDeprecated Verb = 14
	VerbPUSHDIRECTPATHS          Verb = 15
	VerbUSERMESSAGE              Verb = 16
	VerbMULTICAST                Verb = 17
	VerbENCAP                    Verb = 18
)

const (
	// VerbMask extracts the verb from the verb byte.
	VerbMask = 0x1f
	// VerbFlagCompressed marks the payload as LZ4-compressed.
	VerbFlagCompressed = 0x80
)

func (v Verb) String() string {
	switch v {
	case VerbNOP:
		return "NOP"
	case VerbHELLO:
		return "HELLO"
	case VerbERROR:
		return "ERROR"
	case VerbOK:
		return "OK"
	case VerbWHOIS:
		return "WHOIS"
	case VerbRENDEZVOUS:
		return "RENDEZVOUS"
	case VerbFRAME:
		return "FRAME"
	case VerbEXTFRAME:
		return "EXT_FRAME"
	case VerbECHO:
		return "ECHO"
	case VerbMULTICASTLIKE:
		return "MULTICAST_LIKE"
	case VerbNETWORKCREDENTIALS:
		return "NETWORK_CREDENTIALS"
	case VerbNETWORKCONFIGREQUEST:
		return "NETWORK_CONFIG_REQUEST"
	case VerbNETWORKCONFIG:
		return "NETWORK_CONFIG"
	case VerbMULTICASTGATHER:
		return "MULTICAST_GATHER"
	case VerbMULTICASTFRAMEDeprecated:
		return "MULTICAST_FRAME(deprecated)"
	case VerbPUSHDIRECTPATHS:
		return "PUSH_DIRECT_PATHS"
	case VerbUSERMESSAGE:
		return "USER_MESSAGE"
	case VerbMULTICAST:
		return "MULTICAST"
	case VerbENCAP:
		return "ENCAP"
	default:
		return fmt.Sprintf("Verb(%d)", uint8(v))
	}
}

// IsVL2 reports whether the verb belongs to the VL2 switching layer and
// should be delegated to the [vl2.Delegate] collaborator rather than
// handled locally.
func (v Verb) IsVL2() bool {
	switch v {
	case VerbFRAME, VerbEXTFRAME, VerbMULTICASTLIKE, VerbNETWORKCREDENTIALS,
		VerbNETWORKCONFIGREQUEST, VerbNETWORKCONFIG, VerbMULTICASTGATHER,
		VerbMULTICASTFRAMEDeprecated, VerbMULTICAST:
		return true
	default:
		return false
	}
}

// Address is the 40-bit node address used to identify peers.
type Address uint64

const addressMask = (1 << 40) - 1

// AddressFromBytes reads a big-endian 40-bit address from b.
// b must be at least [AddressLength] bytes.
func AddressFromBytes(b []byte) Address {
	var buf [8]byte
	copy(buf[3:], b[:AddressLength])
	return Address(binary.BigEndian.Uint64(buf[:]))
}

// PutBytes writes the address as a big-endian 40-bit value into b.
// b must be at least [AddressLength] bytes.
func (a Address) PutBytes(b []byte) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(a)&addressMask)
	copy(b, buf[3:])
}

// IsNil reports whether the address is the zero/reserved address.
func (a Address) IsNil() bool {
	return a == 0
}

func (a Address) String() string {
	return fmt.Sprintf("%010x", uint64(a)&addressMask)
}

// Header is the 27-byte PacketHeader present at the start of every
// non-fragment packet, plus the verb byte that follows it ([PayloadStart]
// bytes in all on the wire).
type Header struct {
	PacketID    uint64
	Destination Address
	Source      Address
	Flags       uint8
	MAC         uint64
	Verb        uint8
}

// Flags bit layout: bits 0-2 are the hop counter, bits 3-4 are the cipher
// suite, bit 6 is the FRAGMENTED flag. Bit 4 must not double as both: it's
// set by CipherPoly1305Salsa2012 alone, so placing FRAGMENTED there would
// make every unfragmented packet armored with that suite misread as a
// fragment on arrival.
const (
	flagFragmented = 0x40
	hopsMask       = 0x07
)

// Fragmented reports whether the FRAGMENTED bit is set in Flags.
func (h *Header) Fragmented() bool { return h.Flags&flagFragmented != 0 }

// SetFragmented sets or clears the FRAGMENTED bit in Flags.
func (h *Header) SetFragmented(v bool) {
	if v {
		h.Flags |= flagFragmented
	} else {
		h.Flags &^= flagFragmented
	}
}

// Hops returns the hop counter (0-7) packed into the low bits of Flags.
func (h *Header) Hops() uint8 { return h.Flags & hopsMask }

// Cipher returns the cipher suite packed into the MAC-adjacent bits of
// Flags, mirroring the original's Protocol::packetCipher bit layout:
// bits 3-4 of the flags byte.
func (h *Header) Cipher() CipherSuite { return CipherSuite((h.Flags >> 3) & 0x3) }

// SetCipher packs the cipher suite into Flags.
func (h *Header) SetCipher(c CipherSuite) {
	h.Flags = (h.Flags &^ (0x3 << 3)) | (uint8(c&0x3) << 3)
}

// VerbOnly returns the verb with the COMPRESSED flag masked off.
func (h *Header) VerbOnly() Verb { return Verb(h.Verb & VerbMask) }

// Compressed reports whether the verb byte's COMPRESSED flag is set.
func (h *Header) Compressed() bool { return h.Verb&VerbFlagCompressed != 0 }

// MarshalTo encodes the header, including the verb byte, into b, which
// must be at least [PayloadStart] bytes, and returns the number of bytes
// written ([PayloadStart]).
func (h *Header) MarshalTo(b []byte) int {
	binary.BigEndian.PutUint64(b[0:8], h.PacketID)
	h.Destination.PutBytes(b[8:13])
	h.Source.PutBytes(b[13:18])
	b[18] = h.Flags
	binary.BigEndian.PutUint64(b[19:27], h.MAC)
	b[27] = h.Verb
	return PayloadStart
}

// ParseHeader decodes a [Header], including the verb byte, from b, which
// must be at least [PayloadStart] bytes.
func ParseHeader(b []byte) Header {
	var h Header
	h.PacketID = binary.BigEndian.Uint64(b[0:8])
	h.Destination = AddressFromBytes(b[8:13])
	h.Source = AddressFromBytes(b[13:18])
	h.Flags = b[18]
	h.MAC = binary.BigEndian.Uint64(b[19:27])
	h.Verb = b[27]
	return h
}

// FragmentHeader is the 16-byte header at the start of a fragment packet.
type FragmentHeader struct {
	PacketID    uint64
	Destination Address
	Index       uint8 // low 4 bits of Counts
	Total       uint8 // high 4 bits of Counts
	Hops        uint8
}

// ParseFragmentHeader decodes a [FragmentHeader] from b, which must be at
// least [FragmentHeaderLength] bytes. b[FragmentIndicatorIndex] is assumed
// to already have been checked against [FragmentIndicator] by the caller.
func ParseFragmentHeader(b []byte) FragmentHeader {
	var fh FragmentHeader
	fh.PacketID = binary.BigEndian.Uint64(b[0:8])
	fh.Destination = AddressFromBytes(b[8:13])
	counts := b[14]
	fh.Index = counts & 0x0f
	fh.Total = counts >> 4
	fh.Hops = b[15] & hopsMask
	return fh
}

// MarshalFragmentHeaderTo encodes a fragment header into b, which must be
// at least [FragmentHeaderLength] bytes.
func MarshalFragmentHeaderTo(b []byte, packetID uint64, dst Address, index, total, hops uint8) {
	binary.BigEndian.PutUint64(b[0:8], packetID)
	dst.PutBytes(b[8:13])
	b[13] = FragmentIndicator
	b[14] = (total << 4) | (index & 0x0f)
	b[15] = hops & hopsMask
}

// Dictionary is a small ordered string-keyed binary map, used to carry
// node metadata (e.g. build version) in HELLO/OK bodies. It supplements
// the distilled spec with a feature present in original_source
// (Dictionary/nodeMetaData) but dropped by the distillation (SPEC_FULL.md
// §4.4).
//
// Wire format: a sequence of (u16be keyLen, key, u16be valLen, val) tuples
// with no trailing terminator; the caller knows the total length from the
// surrounding HELLO/OK framing.
type Dictionary map[string]string

// AppendTo appends the binary encoding of d to b and returns the result.
func (d Dictionary) AppendTo(b []byte) []byte {
	for k, v := range d {
		b = binary.BigEndian.AppendUint16(b, uint16(len(k)))
		b = append(b, k...)
		b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
		b = append(b, v...)
	}
	return b
}

// ErrDictionaryTruncated is returned by [DecodeDictionary] when b ends
// mid-entry.
var ErrDictionaryTruncated = fmt.Errorf("dictionary: truncated entry")

// DecodeDictionary decodes a [Dictionary] previously encoded with
// [Dictionary.AppendTo].
func DecodeDictionary(b []byte) (Dictionary, error) {
	d := make(Dictionary)
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrDictionaryTruncated
		}
		kl := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) < kl+2 {
			return nil, ErrDictionaryTruncated
		}
		key := string(b[:kl])
		b = b[kl:]
		vl := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if len(b) < vl {
			return nil, ErrDictionaryTruncated
		}
		d[key] = string(b[:vl])
		b = b[vl:]
	}
	return d, nil
}
