// Package whois implements the WhoisQueue: a bounded holding area for
// fully reassembled packets from unknown senders, and the periodic
// producer of WHOIS requests that ask the root peer to resolve them.
package whois

import (
	"sync"
	"time"

	"github.com/database64128/vl1node/fastrand"
	"github.com/database64128/vl1node/internal/armor"
	"github.com/database64128/vl1node/internal/bufpool"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/internal/wire"
)

// DefaultRetryDelay is WHOIS_RETRY_DELAY: the minimum interval between
// successive WHOIS requests for the same unresolved address.
const DefaultRetryDelay = 1 * time.Second

// DefaultMaxQueuedPerSource bounds how many packets are buffered per
// unresolved source address; older packets are evicted to make room.
const DefaultMaxQueuedPerSource = 16

// addressesPerWhoisPacket is how many 40-bit addresses fit in one WHOIS
// request payload, leaving room under MAX_PACKET_LENGTH - 1.
const addressesPerWhoisPacket = (wire.MaxPacketLength - wire.PayloadStart - 1) / wire.AddressLength

type item struct {
	lastRetry time.Time
	retries   int
	packets   []bufpool.Slice
}

// Queue buffers packets from unresolved source addresses and drives the
// WHOIS retry cadence.
type Queue struct {
	retryDelay       time.Duration
	maxQueuedPerItem int

	mu    sync.Mutex
	items map[wire.Address]*item
}

// New creates an empty Queue.
func New(retryDelay time.Duration, maxQueuedPerItem int) *Queue {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if maxQueuedPerItem <= 0 {
		maxQueuedPerItem = DefaultMaxQueuedPerSource
	}
	return &Queue{
		retryDelay:       retryDelay,
		maxQueuedPerItem: maxQueuedPerItem,
		items:            make(map[wire.Address]*item),
	}
}

// Enqueue buffers pkt under the unresolved source address. now seeds the
// item's last-retry timestamp if this is the first packet seen for
// source, so the first [Queue.Tick] at least [Queue.retryDelay] later
// fires a WHOIS for it.
func (q *Queue) Enqueue(source wire.Address, pkt bufpool.Slice, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[source]
	if !ok {
		it = &item{lastRetry: now}
		q.items[source] = it
	}
	if len(it.packets) >= q.maxQueuedPerItem {
		evicted := it.packets[0]
		it.packets = it.packets[1:]
		evicted.Buf.Release()
	}
	it.packets = append(it.packets, pkt)
}

// Resolved removes and returns every packet queued for source, for the
// dispatcher to re-process now that the identity is known. It reports
// false if nothing was queued for source.
func (q *Queue) Resolved(source wire.Address) ([]bufpool.Slice, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[source]
	if !ok {
		return nil, false
	}
	delete(q.items, source)
	return it.packets, len(it.packets) > 0
}

// Root is the subset of [topology.Topology] the Queue needs to address
// and send WHOIS requests.
type Root interface {
	Root() (*topology.Peer, bool)
}

// Tick walks every queued source due for a retry (now - lastRetry >=
// retryDelay), collects their addresses under the lock, then — after
// releasing it — packs them into one or more WHOIS requests addressed to
// the current root and sends each over the root's preferred path. It
// returns the number of WHOIS packets sent and reports ok == false if
// there is no root peer to ask (queued entries are left in place to retry
// on the next Tick).
func (q *Queue) Tick(now time.Time, topo Root, pool *bufpool.Pool, localAddr wire.Address, newPacketID func() uint64) (sent int, ok bool) {
	due := q.collectDue(now)
	if len(due) == 0 {
		return 0, true
	}

	root, ok := topo.Root()
	if !ok {
		return 0, false
	}
	path, ok := root.PreferredPath()
	if !ok {
		return 0, false
	}
	rootKey := root.Key()
	rootAddr := root.Address()

	for start := 0; start < len(due); start += addressesPerWhoisPacket {
		end := min(start+addressesPerWhoisPacket, len(due))
		batch := due[start:end]

		payload := make([]byte, 0, len(batch)*wire.AddressLength)
		for _, addr := range batch {
			var b [wire.AddressLength]byte
			addr.PutBytes(b[:])
			payload = append(payload, b[:]...)
		}

		var hdr wire.Header
		hdr.PacketID = newPacketID()
		hdr.Destination = rootAddr
		hdr.Source = localAddr
		hdr.Verb = uint8(wire.VerbWHOIS)
		hdr.SetCipher(wire.CipherPoly1305Salsa2012)

		pkt, err := armor.Armor(pool, hdr, payload, &rootKey)
		if err != nil {
			continue
		}
		if err := path.Send(pkt.Bytes(), now); err != nil {
			pkt.Buf.Release()
			continue
		}
		pkt.Buf.Release()
		sent++
	}
	return sent, true
}

// collectDue scans the queue in a jittered order (so a pathological
// number of simultaneously-due entries doesn't always retry in the same
// order under contention) and returns every source address due for a
// retry, stamping its last-retry time and incrementing its retry count.
func (q *Queue) collectDue(now time.Time) []wire.Address {
	q.mu.Lock()
	defer q.mu.Unlock()

	addrs := make([]wire.Address, 0, len(q.items))
	for addr := range q.items {
		addrs = append(addrs, addr)
	}
	for i := len(addrs) - 1; i > 0; i-- {
		j := int(fastrand.Uint32n(uint32(i + 1)))
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}

	due := make([]wire.Address, 0, len(addrs))
	for _, addr := range addrs {
		it := q.items[addr]
		if now.Sub(it.lastRetry) >= q.retryDelay {
			it.lastRetry = now
			it.retries++
			due = append(due, addr)
		}
	}
	return due
}
