// Package salsa2012 implements the Salsa20/12 stream cipher: the 12-round
// variant of Salsa20 used by the armor stage to derive per-packet Poly1305
// keys and, when the cipher suite calls for it, to encrypt/decrypt packet
// payloads.
//
// The ecosystem's [golang.org/x/crypto/salsa20] package only exposes the
// standard 20-round variant and hardcodes its round count, so there is no
// third-party implementation of the reduced-round cipher this wire format
// requires; this package exists to fill that specific gap.
package salsa2012

import "encoding/binary"

const rounds = 12

var sigma = [16]byte{'e', 'x', 'p', 'a', 'n', 'd', ' ', '3', '2', '-', 'b', 'y', 't', 'e', ' ', 'k'}

// core computes one 64-byte Salsa20/12 block from a 16-byte input (8-byte
// nonce followed by an 8-byte little-endian block counter) and a 32-byte
// key, following the reference Salsa20 core construction with the round
// count reduced from 20 to 12.
func core(out *[64]byte, in *[16]byte, k *[32]byte) {
	j0 := binary.LittleEndian.Uint32(sigma[0:4])
	j1 := binary.LittleEndian.Uint32(k[0:4])
	j2 := binary.LittleEndian.Uint32(k[4:8])
	j3 := binary.LittleEndian.Uint32(k[8:12])
	j4 := binary.LittleEndian.Uint32(k[12:16])
	j5 := binary.LittleEndian.Uint32(sigma[4:8])
	j6 := binary.LittleEndian.Uint32(in[0:4])
	j7 := binary.LittleEndian.Uint32(in[4:8])
	j8 := binary.LittleEndian.Uint32(in[8:12])
	j9 := binary.LittleEndian.Uint32(in[12:16])
	j10 := binary.LittleEndian.Uint32(sigma[8:12])
	j11 := binary.LittleEndian.Uint32(k[16:20])
	j12 := binary.LittleEndian.Uint32(k[20:24])
	j13 := binary.LittleEndian.Uint32(k[24:28])
	j14 := binary.LittleEndian.Uint32(k[28:32])
	j15 := binary.LittleEndian.Uint32(sigma[12:16])

	x0, x1, x2, x3, x4, x5, x6, x7 := j0, j1, j2, j3, j4, j5, j6, j7
	x8, x9, x10, x11, x12, x13, x14, x15 := j8, j9, j10, j11, j12, j13, j14, j15

	for range rounds / 2 {
		var u uint32

		u = x0 + x12
		x4 ^= u<<7 | u>>25
		u = x4 + x0
		x8 ^= u<<9 | u>>23
		u = x8 + x4
		x12 ^= u<<13 | u>>19
		u = x12 + x8
		x0 ^= u<<18 | u>>14

		u = x5 + x1
		x9 ^= u<<7 | u>>25
		u = x9 + x5
		x13 ^= u<<9 | u>>23
		u = x13 + x9
		x1 ^= u<<13 | u>>19
		u = x1 + x13
		x5 ^= u<<18 | u>>14

		u = x10 + x6
		x14 ^= u<<7 | u>>25
		u = x14 + x10
		x2 ^= u<<9 | u>>23
		u = x2 + x14
		x6 ^= u<<13 | u>>19
		u = x6 + x2
		x10 ^= u<<18 | u>>14

		u = x15 + x11
		x3 ^= u<<7 | u>>25
		u = x3 + x15
		x7 ^= u<<9 | u>>23
		u = x7 + x3
		x11 ^= u<<13 | u>>19
		u = x11 + x7
		x15 ^= u<<18 | u>>14

		u = x0 + x3
		x1 ^= u<<7 | u>>25
		u = x1 + x0
		x2 ^= u<<9 | u>>23
		u = x2 + x1
		x3 ^= u<<13 | u>>19
		u = x3 + x2
		x0 ^= u<<18 | u>>14

		u = x5 + x4
		x6 ^= u<<7 | u>>25
		u = x6 + x5
		x7 ^= u<<9 | u>>23
		u = x7 + x6
		x4 ^= u<<13 | u>>19
		u = x4 + x7
		x5 ^= u<<18 | u>>14

		u = x10 + x9
		x11 ^= u<<7 | u>>25
		u = x11 + x10
		x8 ^= u<<9 | u>>23
		u = x8 + x11
		x9 ^= u<<13 | u>>19
		u = x9 + x8
		x10 ^= u<<18 | u>>14

		u = x15 + x14
		x12 ^= u<<7 | u>>25
		u = x12 + x15
		x13 ^= u<<9 | u>>23
		u = x13 + x12
		x14 ^= u<<13 | u>>19
		u = x14 + x13
		x15 ^= u<<18 | u>>14
	}

	binary.LittleEndian.PutUint32(out[0:4], x0+j0)
	binary.LittleEndian.PutUint32(out[4:8], x1+j1)
	binary.LittleEndian.PutUint32(out[8:12], x2+j2)
	binary.LittleEndian.PutUint32(out[12:16], x3+j3)
	binary.LittleEndian.PutUint32(out[16:20], x4+j4)
	binary.LittleEndian.PutUint32(out[20:24], x5+j5)
	binary.LittleEndian.PutUint32(out[24:28], x6+j6)
	binary.LittleEndian.PutUint32(out[28:32], x7+j7)
	binary.LittleEndian.PutUint32(out[32:36], x8+j8)
	binary.LittleEndian.PutUint32(out[36:40], x9+j9)
	binary.LittleEndian.PutUint32(out[40:44], x10+j10)
	binary.LittleEndian.PutUint32(out[44:48], x11+j11)
	binary.LittleEndian.PutUint32(out[48:52], x12+j12)
	binary.LittleEndian.PutUint32(out[52:56], x13+j13)
	binary.LittleEndian.PutUint32(out[56:60], x14+j14)
	binary.LittleEndian.PutUint32(out[60:64], x15+j15)
}

// Cipher is a Salsa20/12 keystream generator keyed by a 32-byte key and an
// 8-byte nonce, with an internal 64-bit little-endian block counter
// starting at zero.
type Cipher struct {
	key     [32]byte
	nonce   [8]byte
	counter uint64
	block   [64]byte
	pos     int
}

// New creates a Cipher. The nonce is conventionally the 8-byte packet id
// with the low bit of its last byte cleared, per the wire format's IV
// convention.
func New(key *[32]byte, nonce *[8]byte) *Cipher {
	c := &Cipher{pos: 64}
	copy(c.key[:], key[:])
	copy(c.nonce[:], nonce[:])
	return c
}

func (c *Cipher) generate() {
	var in [16]byte
	copy(in[0:8], c.nonce[:])
	binary.LittleEndian.PutUint64(in[8:16], c.counter)
	core(&c.block, &in, &c.key)
	c.counter++
	c.pos = 0
}

// KeyStream fills dst with raw keystream bytes, advancing the cipher's
// position.
func (c *Cipher) KeyStream(dst []byte) {
	for len(dst) > 0 {
		if c.pos == 64 {
			c.generate()
		}
		n := copy(dst, c.block[c.pos:])
		c.pos += n
		dst = dst[n:]
	}
}

// XORKeyStream XORs src with the keystream into dst. dst and src may
// overlap exactly.
func (c *Cipher) XORKeyStream(dst, src []byte) {
	for len(src) > 0 {
		if c.pos == 64 {
			c.generate()
		}
		n := 64 - c.pos
		if n > len(src) {
			n = len(src)
		}
		for i := range n {
			dst[i] = src[i] ^ c.block[c.pos+i]
		}
		c.pos += n
		dst = dst[n:]
		src = src[n:]
	}
}

// Discard advances the keystream position by n bytes without producing
// output, used to skip past a block's leading bytes already consumed as a
// one-time MAC key before continuing into the payload keystream.
func (c *Cipher) Discard(n int) {
	for n > 0 {
		if c.pos == 64 {
			c.generate()
		}
		avail := 64 - c.pos
		if n < avail {
			c.pos += n
			return
		}
		n -= avail
		c.pos = 64
	}
}
