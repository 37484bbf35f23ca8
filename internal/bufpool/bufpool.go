// Package bufpool implements the fixed-capacity, reference-counted packet
// buffer pool and the slice-vector type used to represent a packet that is
// spread across multiple pool buffers (spec.md §3, §4 "BufPool"/"SliceVector").
package bufpool

import (
	"errors"
	"sync/atomic"

	"github.com/database64128/vl1node/internal/wire"
)

// Buf is a fixed-size, reference-counted scratch buffer obtained from a
// [Pool]. Its capacity is always [wire.BufCapacity]: the maximum packet
// length plus 64 bytes of tail headroom reserved for Armor's Salsa20
// block-alignment shuffle.
//
// A Buf starts life with a reference count of 1, held by whichever caller
// obtained it from the pool. Every additional [Slice] created over part of
// a Buf must call [Buf.Retain]; every holder must eventually call
// [Buf.Release] exactly once. When the count reaches zero the Buf returns
// to its pool.
type Buf struct {
	B    [wire.BufCapacity]byte
	refs atomic.Int32
	pool *Pool
}

// Retain increments the reference count. Call once per additional Slice or
// handler that will independently call [Buf.Release].
func (b *Buf) Retain() {
	b.refs.Add(1)
}

// Release decrements the reference count, returning the Buf to its pool
// when it reaches zero. Calling Release more times than the Buf was
// retained is a bug and will return it to the pool early.
func (b *Buf) Release() {
	if b.refs.Add(-1) == 0 {
		b.pool.put(b)
	}
}

// Pool is a fixed-capacity, thread-safe pool of [Buf] scratch buffers.
// [Pool.Get] returns ok == false on exhaustion instead of allocating or
// blocking; callers must treat that as a normal packet drop (spec.md §5).
type Pool struct {
	free chan *Buf
}

// New creates a [Pool] holding exactly capacity buffers.
func New(capacity int) *Pool {
	p := &Pool{free: make(chan *Buf, capacity)}
	for range capacity {
		p.free <- &Buf{pool: p}
	}
	return p
}

// Get retrieves a Buf from the pool with its reference count set to 1.
// ok is false if the pool is exhausted.
func (p *Pool) Get() (b *Buf, ok bool) {
	select {
	case b = <-p.free:
		b.refs.Store(1)
		return b, true
	default:
		return nil, false
	}
}

func (p *Pool) put(b *Buf) {
	select {
	case p.free <- b:
	default:
		// The pool's free channel is sized to its capacity and every Buf
		// came from it exactly once, so this is unreachable except under
		// a double-Release bug; drop the buffer rather than block or panic.
	}
}

// Available returns the number of buffers currently available, for
// diagnostics/metrics only; it is stale the instant it's read.
func (p *Pool) Available() int {
	return len(p.free)
}

// Slice is a (buf, start, end) triple representing a contiguous window of
// bytes inside a pooled Buf. The invariant s ≤ e ≤ cap(Buf.B)-64 leaves 64
// bytes of tail headroom for Armor's slice-rebalancing step.
type Slice struct {
	Buf   *Buf
	Start int
	End   int
}

// Len returns the number of bytes in the slice.
func (s Slice) Len() int { return s.End - s.Start }

// Bytes returns the byte window the slice addresses.
func (s Slice) Bytes() []byte { return s.Buf.B[s.Start:s.End] }

// ErrTooManyFragments is returned by [Vector.Push] when the vector is
// already at [wire.MaxFragmentsPerPacket] capacity.
var ErrTooManyFragments = errors.New("bufpool: too many fragments for one packet")

// Vector is a bounded sequence of at most [wire.MaxFragmentsPerPacket]
// slices representing one logically contiguous packet (spec.md §3
// "SliceVector").
type Vector struct {
	s [wire.MaxFragmentsPerPacket]Slice
	n int
}

// Push appends a slice to the vector.
func (v *Vector) Push(s Slice) error {
	if v.n >= len(v.s) {
		return ErrTooManyFragments
	}
	v.s[v.n] = s
	v.n++
	return nil
}

// Len returns the number of slices in the vector.
func (v *Vector) Len() int { return v.n }

// Empty reports whether the vector holds no slices.
func (v *Vector) Empty() bool { return v.n == 0 }

// At returns the i'th slice.
func (v *Vector) At(i int) Slice { return v.s[i] }

// TotalLen returns the sum of every slice's length.
func (v *Vector) TotalLen() int {
	total := 0
	for i := range v.n {
		total += v.s[i].Len()
	}
	return total
}

// Release releases every slice's reference on its underlying Buf. Call
// once the vector's bytes have been consumed (copied out, or superseded
// by a freshly assembled/decrypted Buf).
func (v *Vector) Release() {
	for i := range v.n {
		v.s[i].Buf.Release()
	}
	v.n = 0
}

// Assemble copies every slice in the vector, in order, into a freshly
// acquired pool Buf, producing a single contiguous Slice. This is used
// whenever a cipher suite needs a contiguous view of an otherwise
// fragmented packet without decrypting in place (POLY1305_NONE, NONE, and
// WHOIS re-queuing), mirroring Buf::assembleSliceVector in the original
// implementation.
func Assemble(pool *Pool, v *Vector) (Slice, bool) {
	nb, ok := pool.Get()
	if !ok {
		return Slice{}, false
	}
	n := 0
	for i := range v.n {
		n += copy(nb.B[n:], v.s[i].Bytes())
	}
	return Slice{Buf: nb, Start: 0, End: n}, true
}
