// Package identity implements node identities: an Ed25519 signing key plus
// an X25519 agreement key, a blake3-derived 40-bit address binding the two
// together, and the long-term key agreement HELLO relies on.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"github.com/database64128/vl1node/internal/wire"
	"github.com/database64128/vl1node/jsoncfg"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// WireLen is the size in bytes of an Identity's public wire encoding:
// address, Ed25519 public key, X25519 public key.
const WireLen = wire.AddressLength + ed25519.PublicKeySize + 32

// ErrNoPrivateKey is returned by [Identity.Agree] on an Identity that
// holds no private key material (i.e. a remote peer's identity, parsed
// from the wire rather than generated locally).
var ErrNoPrivateKey = errors.New("identity: no private key")

// ErrTruncated is returned by [Parse] when b is shorter than [WireLen].
var ErrTruncated = errors.New("identity: truncated")

type privateKey struct {
	sign  ed25519.PrivateKey
	agree [32]byte
}

// Identity is a node's public identity: its address and the two public
// keys the address is derived from. A locally generated Identity also
// carries the corresponding private keys and can participate in
// [Identity.Agree]; an Identity parsed from the wire cannot.
type Identity struct {
	addr     wire.Address
	Sign     [ed25519.PublicKeySize]byte
	AgreePub [32]byte
	private  *privateKey
}

// NIL is the zero-value sentinel identity, matching the wire format's nil
// address.
var NIL Identity

// Address returns the identity's 40-bit node address.
func (id Identity) Address() wire.Address { return id.addr }

// IsNil reports whether id is the [NIL] sentinel.
func (id Identity) IsNil() bool { return id.addr.IsNil() }

// HasPrivateKey reports whether id can be used with [Identity.Agree].
func (id Identity) HasPrivateKey() bool { return id.private != nil }

func deriveAddress(signPub, agreePub []byte) wire.Address {
	h := blake3.Sum256(append(append(make([]byte, 0, len(signPub)+len(agreePub)), signPub...), agreePub...))
	// The high byte of 0xff is reserved (mirrors the original implementation's
	// reservation of that range for network-controller-style addresses); clear
	// it rather than reject and re-derive, since we aren't reproducing the
	// original's proof-of-work address-generation loop.
	if h[0] == 0xff {
		h[0] = 0
	}
	return wire.AddressFromBytes(h[:wire.AddressLength])
}

// GenerateLocal creates a fresh local Identity with new Ed25519 and X25519
// keypairs.
func GenerateLocal() (Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}

	var agreePriv [32]byte
	if _, err := io.ReadFull(rand.Reader, agreePriv[:]); err != nil {
		return Identity{}, err
	}
	agreePriv[0] &= 248
	agreePriv[31] &= 127
	agreePriv[31] |= 64

	agreePub, err := curve25519.X25519(agreePriv[:], curve25519.Basepoint)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{
		addr:    deriveAddress(signPub, agreePub),
		private: &privateKey{sign: signPriv, agree: agreePriv},
	}
	copy(id.Sign[:], signPub)
	copy(id.AgreePub[:], agreePub)
	return id, nil
}

// LocallyValidate recomputes id's address from its public keys and checks
// it matches. This stands in for the original implementation's expensive
// proof-of-work address-binding check (out of scope here: SPEC_FULL.md
// treats the address-generation work function as an external collaborator
// concern, not a wire-format or dispatch concern), while preserving the
// call's purpose in the HELLO admission path: reject an identity whose
// address doesn't actually correspond to its keys.
func (id Identity) LocallyValidate() bool {
	if id.IsNil() {
		return false
	}
	return deriveAddress(id.Sign[:], id.AgreePub[:]) == id.addr
}

// Agree performs X25519 key agreement between id's private agreement key
// and other's public agreement key, then runs the raw ECDH output through
// blake3 to produce a uniformly random [wire.PeerSecretKeyLen]-byte
// symmetric key.
func (id Identity) Agree(other Identity) ([wire.PeerSecretKeyLen]byte, error) {
	if id.private == nil {
		return [wire.PeerSecretKeyLen]byte{}, ErrNoPrivateKey
	}
	shared, err := curve25519.X25519(id.private.agree[:], other.AgreePub[:])
	if err != nil {
		return [wire.PeerSecretKeyLen]byte{}, err
	}
	return blake3.Sum256(shared), nil
}

// AppendTo appends id's wire encoding (address, Ed25519 public key, X25519
// public key) to b and returns the result.
func (id Identity) AppendTo(b []byte) []byte {
	var addrBytes [wire.AddressLength]byte
	id.addr.PutBytes(addrBytes[:])
	b = append(b, addrBytes[:]...)
	b = append(b, id.Sign[:]...)
	b = append(b, id.AgreePub[:]...)
	return b
}

// secretFile is the on-disk encoding for a locally generated Identity,
// including its private key material. It is deliberately separate from
// the wire encoding produced by [Identity.AppendTo]: that format is public
// and never carries private keys.
type secretFile struct {
	Sign        string `json:"sign"`
	Agree       string `json:"agree"`
	SignPrivate string `json:"signPrivate"`
	AgreePriv   string `json:"agreePrivate"`
}

// Save persists id, including its private key material, to path as JSON.
// It returns [ErrNoPrivateKey] if id was not locally generated.
func (id Identity) Save(path string) error {
	if id.private == nil {
		return ErrNoPrivateKey
	}
	sf := secretFile{
		Sign:        hex.EncodeToString(id.Sign[:]),
		Agree:       hex.EncodeToString(id.AgreePub[:]),
		SignPrivate: hex.EncodeToString(id.private.sign),
		AgreePriv:   hex.EncodeToString(id.private.agree[:]),
	}
	return jsoncfg.Save(path, &sf)
}

// Load reads an Identity previously written by [Identity.Save] from path.
func Load(path string) (Identity, error) {
	var sf secretFile
	if err := jsoncfg.Open(path, &sf); err != nil {
		return Identity{}, err
	}

	signPub, err := hex.DecodeString(sf.Sign)
	if err != nil || len(signPub) != ed25519.PublicKeySize {
		return Identity{}, ErrTruncated
	}
	signPriv, err := hex.DecodeString(sf.SignPrivate)
	if err != nil || len(signPriv) != ed25519.PrivateKeySize {
		return Identity{}, ErrTruncated
	}
	agreePrivBytes, err := hex.DecodeString(sf.AgreePriv)
	if err != nil || len(agreePrivBytes) != 32 {
		return Identity{}, ErrTruncated
	}
	agreePub, err := hex.DecodeString(sf.Agree)
	if err != nil || len(agreePub) != 32 {
		return Identity{}, ErrTruncated
	}

	var id Identity
	id.addr = deriveAddress(signPub, agreePub)
	copy(id.Sign[:], signPub)
	copy(id.AgreePub[:], agreePub)
	id.private = &privateKey{sign: ed25519.PrivateKey(signPriv)}
	copy(id.private.agree[:], agreePrivBytes)
	return id, nil
}

// Parse decodes an Identity previously encoded with [Identity.AppendTo]
// from the start of b, returning the identity and the number of bytes
// consumed ([WireLen]).
func Parse(b []byte) (Identity, int, error) {
	if len(b) < WireLen {
		return Identity{}, 0, ErrTruncated
	}
	var id Identity
	id.addr = wire.AddressFromBytes(b[:wire.AddressLength])
	copy(id.Sign[:], b[wire.AddressLength:wire.AddressLength+ed25519.PublicKeySize])
	copy(id.AgreePub[:], b[wire.AddressLength+ed25519.PublicKeySize:WireLen])
	return id, WireLen, nil
}
