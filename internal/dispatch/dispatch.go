// Package dispatch implements the ingress entry point: OnRemotePacket
// classifies fragment vs. whole-packet datagrams, drives the Defragmenter,
// authenticates via Armor, decompresses if flagged, and switches on verb
// to either a local VL1 handler or the VL2 delegate.
package dispatch

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/database64128/vl1node/internal/armor"
	"github.com/database64128/vl1node/internal/bufpool"
	"github.com/database64128/vl1node/internal/defrag"
	"github.com/database64128/vl1node/internal/hello"
	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/internal/trace"
	"github.com/database64128/vl1node/internal/vl2"
	"github.com/database64128/vl1node/internal/whois"
	"github.com/database64128/vl1node/internal/wire"
	"github.com/database64128/vl1node/tslog"
	"github.com/pierrec/lz4/v4"
)

// Relay forwards a packet not addressed to this node onward. The reference
// implementation is a no-op that only traces the event: this core does not
// implement VL1 forwarding (spec.md §9 Open Question).
type Relay interface {
	Relay(path *topology.Path, destination wire.Address, pkt bufpool.Slice)
}

// NoopRelay is the reference [Relay]: it records the drop and releases the
// packet, mirroring the original implementation's empty _relay body.
type NoopRelay struct {
	Tracer trace.Tracer
}

func (r NoopRelay) Relay(path *topology.Path, destination wire.Address, pkt bufpool.Slice) {
	r.Tracer.IncomingPacketDropped(0xe1a0, 0, 0, identity.NIL, path.Address(), 0, wire.VerbNOP, trace.InvalidObject)
	pkt.Buf.Release()
}

// Config holds the dispatcher's tuning knobs.
type Config struct {
	MaxIncomingFragmentsPerPath int
	MaxDecompressedPayload      int
}

// DefaultMaxIncomingFragmentsPerPath is MAX_INCOMING_FRAGMENTS_PER_PATH.
const DefaultMaxIncomingFragmentsPerPath = 512

// Dispatcher is the ingress pipeline: Defragmenter → Armor → decompress →
// verb switch. It is safe for concurrent use by multiple I/O workers.
type Dispatcher struct {
	self   identity.Identity
	cfg    Config
	pool   *bufpool.Pool
	defrag *defrag.Defragmenter
	topo   *topology.Topology
	hello  *hello.Handler
	whois  *whois.Queue
	vl2    vl2.Delegate
	relay  Relay
	tracer trace.Tracer
	logger *tslog.Logger

	rateGate    hello.RateGater
	newPacketID func() uint64
}

// New creates a Dispatcher.
func New(self identity.Identity, cfg Config, pool *bufpool.Pool, df *defrag.Defragmenter, topo *topology.Topology, h *hello.Handler, wq *whois.Queue, delegate vl2.Delegate, relay Relay, tracer trace.Tracer, logger *tslog.Logger, rateGate hello.RateGater, newPacketID func() uint64) *Dispatcher {
	if cfg.MaxIncomingFragmentsPerPath <= 0 {
		cfg.MaxIncomingFragmentsPerPath = DefaultMaxIncomingFragmentsPerPath
	}
	return &Dispatcher{
		self: self, cfg: cfg, pool: pool, defrag: df, topo: topo,
		hello: h, whois: wq, vl2: delegate, relay: relay, tracer: tracer, logger: logger,
		rateGate: rateGate, newPacketID: newPacketID,
	}
}

// OnRemotePacket processes one datagram received on localSocket from from.
// It never panics out to the caller: any unanticipated fault is caught and
// reported via [trace.Tracer.UnexpectedError], with the packet dropped.
func (d *Dispatcher) OnRemotePacket(localSocket topology.LocalSocket, from netip.AddrPort, data []byte, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.tracer.UnexpectedError(0xe100, fmt.Sprintf("%v", r))
		}
	}()

	path := d.topo.GetPath(localSocket, from)
	path.Received(now)

	if len(data) < wire.MinFragmentLength || len(data) > wire.MaxPacketLength {
		return // keepalive or oversize garbage, not a protocol error worth tracing
	}

	pathKey := defrag.PathKey(uint64(localSocket)<<48 ^ addrPortHash(from))

	if data[wire.FragmentIndicatorIndex] == wire.FragmentIndicator {
		d.handleFragment(pathKey, path, localSocket, data, now)
		return
	}

	if len(data) < wire.MinPacketLength {
		return
	}
	hdr := wire.ParseHeader(data[:wire.PayloadStart])
	if hdr.Destination != d.self.Address() {
		pkt, ok := d.copyToBuf(data)
		if ok {
			d.relay.Relay(path, hdr.Destination, pkt)
		}
		return
	}

	buf, ok := d.pool.Get()
	if !ok {
		return
	}
	n := copy(buf.B[:], data)
	var vec bufpool.Vector
	if hdr.Fragmented() {
		_ = vec.Push(bufpool.Slice{Buf: buf, Start: 0, End: n})
		full, res := d.defrag.Assemble(hdr.PacketID, pathKey, 0, 0, vec.At(0), now, d.cfg.MaxIncomingFragmentsPerPath)
		switch res {
		case defrag.Complete:
			d.processVector(full, hdr, path, localSocket, now)
		case defrag.OK:
			// waiting on more fragments
		default:
			// duplicate/invalid/too-many: Assemble did not keep the slice,
			// so its buf is released here.
			buf.Release()
		}
		return
	}
	_ = vec.Push(bufpool.Slice{Buf: buf, Start: 0, End: n})
	d.processVector(vec, hdr, path, localSocket, now)
}

func (d *Dispatcher) handleFragment(pathKey defrag.PathKey, path *topology.Path, localSocket topology.LocalSocket, data []byte, now time.Time) {
	fh := wire.ParseFragmentHeader(data)
	if fh.Destination != d.self.Address() {
		pkt, ok := d.copyToBuf(data)
		if ok {
			d.relay.Relay(path, fh.Destination, pkt)
		}
		return
	}

	buf, ok := d.pool.Get()
	if !ok {
		return
	}
	n := copy(buf.B[:], data)
	s := bufpool.Slice{Buf: buf, Start: wire.FragmentHeaderLength, End: n}

	full, res := d.defrag.Assemble(fh.PacketID, pathKey, fh.Index, fh.Total, s, now, d.cfg.MaxIncomingFragmentsPerPath)
	if res != defrag.Complete {
		if res != defrag.OK {
			buf.Release() // rejected: Assemble did not keep the slice
		}
		return
	}
	if full.Len() == 0 || full.At(0).Len() < wire.PayloadStart {
		full.Release()
		return
	}
	hdr := wire.ParseHeader(full.At(0).Bytes()[:wire.PayloadStart])
	d.processVector(full, hdr, path, localSocket, now)
}

func (d *Dispatcher) copyToBuf(data []byte) (bufpool.Slice, bool) {
	buf, ok := d.pool.Get()
	if !ok {
		return bufpool.Slice{}, false
	}
	n := copy(buf.B[:], data)
	return bufpool.Slice{Buf: buf, Start: 0, End: n}, true
}

// processVector authenticates, decompresses, and dispatches an assembled
// packet. It always releases vec by the time it returns.
func (d *Dispatcher) processVector(vec bufpool.Vector, hdr wire.Header, path *topology.Path, localSocket topology.LocalSocket, now time.Time) {
	total := vec.TotalLen()
	if total < wire.MinPacketLength || total > wire.MaxPacketLength {
		vec.Release()
		d.drop(hdr, path, trace.MalformedPacket)
		return
	}
	if hdr.Source == d.self.Address() {
		vec.Release() // P7: loopback rejection, silent
		return
	}

	verb := hdr.VerbOnly()
	cipher := hdr.Cipher()
	peer, known := d.topo.Get(hdr.Source)

	unknownHelloBypass := !known && verb == wire.VerbHELLO && (cipher == wire.CipherPoly1305None || cipher == wire.CipherNone)

	if !known && !unknownHelloBypass {
		assembled, ok := bufpool.Assemble(d.pool, &vec)
		vec.Release()
		if !ok {
			d.drop(hdr, path, trace.MalformedPacket)
			return
		}
		d.whois.Enqueue(hdr.Source, assembled, now)
		return
	}

	var plain bufpool.Slice
	var authenticated bool

	switch {
	case unknownHelloBypass && cipher == wire.CipherPoly1305None:
		assembled, ok := bufpool.Assemble(d.pool, &vec)
		vec.Release()
		if !ok {
			d.drop(hdr, path, trace.MalformedPacket)
			return
		}
		// Hand on the verb-onward section, as the other cases do.
		plain = bufpool.Slice{Buf: assembled.Buf, Start: assembled.Start + wire.EncryptedSectionStart, End: assembled.End}
		authenticated = false

	case unknownHelloBypass && cipher == wire.CipherNone:
		dearmored, derr := armor.Dearmor(d.pool, &vec, hdr, nil, path.Address(), d.topo.ShouldInboundPathBeTrusted)
		vec.Release()
		if derr != nil {
			d.drop(hdr, path, reasonFor(derr))
			return
		}
		plain = dearmored
		authenticated = true

	default:
		key := peer.Key()
		dearmored, derr := armor.Dearmor(d.pool, &vec, hdr, &key, path.Address(), d.topo.ShouldInboundPathBeTrusted)
		vec.Release()
		if derr != nil {
			d.drop(hdr, path, reasonFor(derr))
			return
		}
		plain = dearmored
		authenticated = true
	}

	payload := plain.Bytes()
	if len(payload) == 0 {
		plain.Buf.Release()
		d.drop(hdr, path, trace.MalformedPacket)
		return
	}
	// The verb byte opens the encrypted section, so under
	// POLY1305_SALSA2012 only the plaintext carries it in the clear.
	hdr.Verb = payload[0]
	verb = hdr.VerbOnly()

	if hdr.Compressed() {
		if !authenticated {
			plain.Buf.Release()
			d.drop(hdr, path, trace.InvalidCompressedData)
			return
		}
		out, ok := d.pool.Get()
		if !ok {
			plain.Buf.Release()
			return
		}
		maxOut := len(out.B) - 1
		if d.cfg.MaxDecompressedPayload > 0 && d.cfg.MaxDecompressedPayload < maxOut {
			maxOut = d.cfg.MaxDecompressedPayload
		}
		verbByte := payload[0]
		nOut, uerr := lz4.UncompressBlock(payload[1:], out.B[1:1+maxOut])
		plain.Buf.Release()
		if uerr != nil {
			out.Release()
			d.drop(hdr, path, trace.InvalidCompressedData)
			return
		}
		out.B[0] = verbByte
		plain = bufpool.Slice{Buf: out, Start: 0, End: 1 + nOut}
		payload = plain.Bytes()
	}

	d.dispatchVerb(now, verb, payload, hdr, plain, peer, authenticated, path, localSocket)
}

func (d *Dispatcher) dispatchVerb(now time.Time, verb wire.Verb, payload []byte, hdr wire.Header, plain bufpool.Slice, peer *topology.Peer, authenticated bool, path *topology.Path, localSocket topology.LocalSocket) {
	defer plain.Buf.Release()

	switch verb {
	case wire.VerbHELLO:
		outcome := d.hello.Handle(now, payload, hdr, authenticated, path, localSocket, d.rateGate, d.newPacketID)
		if outcome.Dropped {
			return
		}
		if outcome.Peer != nil {
			if pkts, ok := d.whois.Resolved(outcome.Peer.Address()); ok {
				for _, pkt := range pkts {
					d.reprocess(pkt, path, localSocket, now)
				}
			}
		}
		if outcome.HasReply {
			if err := path.Send(outcome.Reply.Bytes(), now); err != nil {
				d.logger.Debug("Failed to send OK reply", tslog.Err(err))
			}
			outcome.Reply.Buf.Release()
		}

	case wire.VerbECHO:
		// Terminates here rather than falling through to MULTICAST_LIKE
		// (spec.md §9 Open Question, resolved in favor of termination).
		if peer != nil {
			peer.Received(path, now)
		}
		return

	case wire.VerbWHOIS:
		d.handleWHOIS(now, payload, path, peer)

	case wire.VerbOK, wire.VerbERROR, wire.VerbRENDEZVOUS, wire.VerbPUSHDIRECTPATHS, wire.VerbUSERMESSAGE, wire.VerbENCAP:
		if peer != nil {
			peer.Received(path, now)
		}

	default:
		if verb.IsVL2() {
			d.dispatchVL2(verb, payload, hdr, path)
			return
		}
		d.drop(hdr, path, trace.UnrecognizedVerb)
	}
}

func (d *Dispatcher) dispatchVL2(verb wire.Verb, payload []byte, hdr wire.Header, path *topology.Path) {
	id := identity.NIL
	if peer, ok := d.topo.Get(hdr.Source); ok {
		id = peer.Identity()
	}
	switch verb {
	case wire.VerbFRAME:
		if len(payload) < 10 {
			return
		}
		networkID := beUint64(payload[0:8])
		etherType := beUint16(payload[8:10])
		d.vl2.Frame(id, path, networkID, etherType, payload[10:])
	case wire.VerbEXTFRAME:
		if len(payload) < 13 {
			return
		}
		networkID := beUint64(payload[0:8])
		flags := payload[8]
		comTo := beUint16(payload[9:11])
		etherType := beUint16(payload[11:13])
		d.vl2.ExtFrame(id, path, networkID, flags, comTo, etherType, payload[13:])
	case wire.VerbMULTICASTLIKE:
		d.vl2.MulticastLike(id, path, payload)
	case wire.VerbMULTICASTGATHER:
		if len(payload) < 8+16+4 {
			return
		}
		networkID := beUint64(payload[0:8])
		group, _ := netip.AddrFromSlice(payload[8:24])
		limit := uint32(beUint32(payload[24:28]))
		d.vl2.MulticastGather(id, path, networkID, group, limit)
	case wire.VerbMULTICASTFRAMEDeprecated:
		d.vl2.MulticastFrameDeprecated(id, path, payload)
	case wire.VerbMULTICAST:
		d.vl2.Multicast(id, path, payload)
	case wire.VerbNETWORKCREDENTIALS:
		d.vl2.NetworkCredentials(id, path, payload)
	case wire.VerbNETWORKCONFIGREQUEST:
		if len(payload) < 8 {
			return
		}
		d.vl2.NetworkConfigRequest(id, path, beUint64(payload[0:8]), payload[8:])
	case wire.VerbNETWORKCONFIG:
		if len(payload) < 8 {
			return
		}
		d.vl2.NetworkConfig(id, path, beUint64(payload[0:8]), payload[8:])
	}
}

// handleWHOIS handles an inbound VerbWHOIS payload. A non-empty payload
// whose length is an exact multiple of an identity's wire length, and not
// also a multiple of the address length, is treated as a WHOIS reply
// (identities to learn); otherwise it is treated as a WHOIS request
// (addresses to answer, if known).
func (d *Dispatcher) handleWHOIS(now time.Time, payload []byte, path *topology.Path, sender *topology.Peer) {
	if len(payload) != 0 && len(payload)%identity.WireLen == 0 && len(payload)%wire.AddressLength != 0 {
		for off := 0; off+identity.WireLen <= len(payload); off += identity.WireLen {
			id, _, err := identity.Parse(payload[off:])
			if err != nil {
				continue
			}
			if !id.LocallyValidate() {
				continue
			}
			key, aerr := d.self.Agree(id)
			if aerr != nil {
				continue
			}
			p := d.topo.Add(topology.NewPeer(id, key))
			if pkts, ok := d.whois.Resolved(p.Address()); ok {
				for _, pkt := range pkts {
					d.reprocess(pkt, path, path.LocalSocket(), now)
				}
			}
		}
		return
	}

	if sender == nil || len(payload)%wire.AddressLength != 0 {
		return
	}
	var reply []byte
	for off := 0; off+wire.AddressLength <= len(payload); off += wire.AddressLength {
		addr := wire.AddressFromBytes(payload[off : off+wire.AddressLength])
		if p, ok := d.topo.Get(addr); ok {
			reply = p.Identity().AppendTo(reply)
		}
	}
	if len(reply) == 0 {
		return
	}
	key := sender.Key()
	var hdr wire.Header
	hdr.PacketID = d.newPacketID()
	hdr.Destination = sender.Address()
	hdr.Source = d.self.Address()
	hdr.Verb = uint8(wire.VerbWHOIS)
	hdr.SetCipher(wire.CipherPoly1305Salsa2012)
	pkt, aerr := armor.Armor(d.pool, hdr, reply, &key)
	if aerr != nil {
		return
	}
	if serr := path.Send(pkt.Bytes(), now); serr != nil {
		d.logger.Debug("Failed to send WHOIS reply", tslog.Err(serr))
	}
	pkt.Buf.Release()
}

// reprocess re-enters the pipeline for a packet drained out of the WHOIS
// queue, now that its source identity is presumed resolvable.
func (d *Dispatcher) reprocess(pkt bufpool.Slice, path *topology.Path, localSocket topology.LocalSocket, now time.Time) {
	if pkt.Len() < wire.PayloadStart {
		pkt.Buf.Release()
		return
	}
	hdr := wire.ParseHeader(pkt.Bytes()[:wire.PayloadStart])
	var vec bufpool.Vector
	_ = vec.Push(pkt)
	d.processVector(vec, hdr, path, localSocket, now)
}

func (d *Dispatcher) drop(hdr wire.Header, path *topology.Path, reason trace.DropReason) {
	peer := identity.NIL
	if p, ok := d.topo.Get(hdr.Source); ok {
		peer = p.Identity()
	}
	d.tracer.IncomingPacketDropped(0xe101, hdr.PacketID, 0, peer, path.Address(), hdr.Hops(), wire.Verb(hdr.Verb&wire.VerbMask), reason)
}

func reasonFor(err error) trace.DropReason {
	switch err {
	case armor.ErrMACFailed:
		return trace.MACFailed
	case armor.ErrNotTrustedPath:
		return trace.NotTrustedPath
	case armor.ErrUnsupportedCipherSuite:
		return trace.InvalidObject
	default:
		return trace.MalformedPacket
	}
}

func addrPortHash(ap netip.AddrPort) uint64 {
	b := ap.Addr().As16()
	var h uint64 = 1469598103934665603
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	h ^= uint64(ap.Port())
	h *= 1099511628211
	return h
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func beUint64(b []byte) uint64 {
	var v uint64
	for i := range 8 {
		v = v<<8 | uint64(b[i])
	}
	return v
}

