// Package defrag implements the inbound fragment reassembly table: a
// bounded, sharded-lock map keyed by (path, packet id) that yields a
// [bufpool.Vector] once every fragment of a message has arrived.
package defrag

import (
	"container/list"
	"hash/maphash"
	"sync"
	"time"

	"github.com/database64128/vl1node/internal/bufpool"
	"github.com/database64128/vl1node/internal/wire"
)

// Result is the outcome of a call to [Defragmenter.Assemble].
type Result uint8

const (
	// OK indicates the fragment was accepted; assembly is not yet complete.
	OK Result = iota
	// Complete indicates every fragment of the message has arrived; the
	// returned [bufpool.Vector] holds the ordered slices.
	Complete
	// ErrDuplicate indicates this fragment index was already received for
	// this (path, packet id).
	ErrDuplicate
	// ErrInvalid indicates a malformed fragment: an out-of-range index, a
	// fragment-count mismatch with a previously observed total, or a total
	// exceeding the maximum fragment count.
	ErrInvalid
	// ErrTooMany indicates the path's in-flight assembly table is at
	// capacity and the new packet id could not be admitted even after
	// evicting the oldest entry.
	ErrTooMany
	// ErrOOM indicates the backing buffer pool was exhausted.
	ErrOOM
)

// String returns a human-readable name for r.
func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Complete:
		return "COMPLETE"
	case ErrDuplicate:
		return "ERR_DUPLICATE"
	case ErrInvalid:
		return "ERR_INVALID"
	case ErrTooMany:
		return "ERR_TOO_MANY"
	case ErrOOM:
		return "ERR_OOM"
	default:
		return "unknown"
	}
}

// PathKey opaquely identifies a path for the purposes of per-path fragment
// admission. Callers typically derive it from a [netip.AddrPort] and local
// socket identifier; the Defragmenter never inspects it beyond equality.
type PathKey uint64

type entryKey struct {
	path     PathKey
	packetID uint64
}

type entry struct {
	key       entryKey
	createdAt time.Time
	total     uint8
	mask      uint16
	count     uint8
	slices    [wire.MaxFragmentsPerPacket]bufpool.Slice
	elem      *list.Element // element in the owning pathState's LRU list
}

func (e *entry) release() {
	var bit uint16
	for i := range wire.MaxFragmentsPerPacket {
		bit = 1 << uint(i)
		if e.mask&bit != 0 {
			e.slices[i].Buf.Release()
		}
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[entryKey]*entry
}

type pathState struct {
	mu    sync.Mutex
	order list.List // of *entry, oldest at Front
}

// Defragmenter is a bounded, concurrency-safe inbound fragment reassembly
// table. The zero value is not usable; create one with [New].
type Defragmenter struct {
	shards    []shard
	shardSeed maphash.Seed

	pathsMu sync.Mutex
	paths   map[PathKey]*pathState
}

// New creates a Defragmenter with the given number of shards. A shard count
// in the range of the expected number of concurrent I/O workers avoids
// unrelated packet ids contending on the same lock.
func New(shardCount int) *Defragmenter {
	if shardCount < 1 {
		shardCount = 1
	}
	d := &Defragmenter{
		shards:    make([]shard, shardCount),
		shardSeed: maphash.MakeSeed(),
		paths:     make(map[PathKey]*pathState),
	}
	for i := range d.shards {
		d.shards[i].entries = make(map[entryKey]*entry)
	}
	return d
}

func (d *Defragmenter) shardIndex(key entryKey) int {
	var h maphash.Hash
	h.SetSeed(d.shardSeed)
	var buf [16]byte
	for i := range 8 {
		buf[i] = byte(key.path >> (8 * i))
	}
	for i := range 8 {
		buf[8+i] = byte(key.packetID >> (8 * i))
	}
	h.Write(buf[:])
	return int(h.Sum64() % uint64(len(d.shards)))
}

func (d *Defragmenter) pathState(p PathKey) *pathState {
	d.pathsMu.Lock()
	defer d.pathsMu.Unlock()
	ps, ok := d.paths[p]
	if !ok {
		ps = &pathState{}
		d.paths[p] = ps
	}
	return ps
}

// removeEntry deletes e from its shard's map and releases every slice it
// holds back to the buffer pool. The caller must not be holding e's shard
// lock already.
func (d *Defragmenter) removeEntry(e *entry) {
	idx := d.shardIndex(e.key)
	sh := &d.shards[idx]
	sh.mu.Lock()
	if cur, ok := sh.entries[e.key]; ok && cur == e {
		delete(sh.entries, e.key)
	}
	sh.mu.Unlock()
	e.release()
}

// Assemble feeds one fragment (or, for an unfragmented whole packet treated
// as a single-fragment message, the whole packet as index 0 / total 1) into
// the reassembly table for path p.
//
// total is the fragment count as carried by this fragment's wire header, or
// 0 if this fragment doesn't know it (the packet head carries no total
// field of its own; it is learned from whichever FragmentHeader-bearing
// fragment arrives with it). perPathCap bounds the number of simultaneously
// in-flight assembly entries for p; exceeding it evicts the oldest entry
// for that path.
func (d *Defragmenter) Assemble(packetID uint64, p PathKey, index, total uint8, s bufpool.Slice, now time.Time, perPathCap int) (bufpool.Vector, Result) {
	if perPathCap < 1 {
		return bufpool.Vector{}, ErrTooMany
	}
	if index >= wire.MaxFragmentsPerPacket || total > wire.MaxFragmentsPerPacket {
		return bufpool.Vector{}, ErrInvalid
	}
	if total != 0 && index >= total {
		return bufpool.Vector{}, ErrInvalid
	}

	key := entryKey{path: p, packetID: packetID}
	shardIdx := d.shardIndex(key)
	ps := d.pathState(p)

	ps.mu.Lock()
	sh := &d.shards[shardIdx]
	sh.mu.Lock()
	e, exists := sh.entries[key]
	if !exists {
		e = &entry{key: key, createdAt: now}
		sh.entries[key] = e
		e.elem = ps.order.PushBack(e)
	}
	sh.mu.Unlock()

	for ps.order.Len() > perPathCap {
		front := ps.order.Front()
		oldest := front.Value.(*entry)
		if oldest == e {
			break
		}
		ps.order.Remove(front)
		ps.mu.Unlock()
		d.removeEntry(oldest)
		ps.mu.Lock()
	}
	if ps.order.Len() > perPathCap {
		ps.order.Remove(e.elem)
		ps.mu.Unlock()
		d.removeEntry(e)
		return bufpool.Vector{}, ErrTooMany
	}
	ps.mu.Unlock()

	return d.insertFragment(shardIdx, key, e, index, total, s, ps)
}

func (d *Defragmenter) insertFragment(shardIdx int, key entryKey, e *entry, index, total uint8, s bufpool.Slice, ps *pathState) (bufpool.Vector, Result) {
	sh := &d.shards[shardIdx]
	sh.mu.Lock()

	cur, ok := sh.entries[key]
	if !ok || cur != e {
		// Evicted or completed concurrently between admission and insertion.
		sh.mu.Unlock()
		return bufpool.Vector{}, ErrInvalid
	}

	if total != 0 {
		switch {
		case e.total == 0:
			e.total = total
		case e.total != total:
			sh.mu.Unlock()
			return bufpool.Vector{}, ErrInvalid
		}
	}
	if e.total != 0 && index >= e.total {
		sh.mu.Unlock()
		return bufpool.Vector{}, ErrInvalid
	}

	bit := uint16(1) << uint(index)
	if e.mask&bit != 0 {
		sh.mu.Unlock()
		return bufpool.Vector{}, ErrDuplicate
	}
	e.mask |= bit
	e.slices[index] = s
	e.count++

	if e.total != 0 && e.count == e.total {
		delete(sh.entries, key)
		sh.mu.Unlock()

		ps.mu.Lock()
		ps.order.Remove(e.elem)
		ps.mu.Unlock()

		var vec bufpool.Vector
		for i := range e.total {
			_ = vec.Push(e.slices[i])
		}
		return vec, Complete
	}

	sh.mu.Unlock()
	return bufpool.Vector{}, OK
}
