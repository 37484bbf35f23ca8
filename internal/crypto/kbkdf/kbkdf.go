// Package kbkdf implements the single-block, counter-mode HMAC key
// derivation function used to derive the HELLO/OK authentication keys from
// a peer's long-term shared secret.
//
// No library in the example corpus provides a KBKDF implementation; this
// is a thin, deliberately minimal layer over the standard library's
// [crypto/hmac] and [crypto/sha512], which are themselves the idiomatic
// choice for HMAC-SHA-384 everywhere in the corpus.
package kbkdf

import (
	"crypto/hmac"
	"crypto/sha512"
)

// Len is the output length in bytes of [Derive], matching SHA-384's digest
// size.
const Len = sha512.Size384

// Derive computes a single-block KBKDF output (NIST SP 800-108 counter
// mode, one iteration) over key, binding in label and iter so that
// different purposes and directions (HELLO vs. OK, request vs. reply)
// never share a derived key.
func Derive(key []byte, label string, iter uint8) [Len]byte {
	mac := hmac.New(sha512.New384, key)
	mac.Write([]byte{iter})
	mac.Write([]byte(label))
	mac.Write([]byte{0x00})

	var out [Len]byte
	copy(out[:], mac.Sum(nil))
	return out
}
