// Package topology implements the reference Peer/Path/Topology store: the
// Topology collaborator interface the dispatcher, HELLO handler, and WHOIS
// queue consult for peer and path lookup (SPEC_FULL.md §6).
package topology

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/wire"
)

// LocalSocket opaquely identifies one of the node's listening sockets.
// Callers assign these; Topology only ever compares them for equality.
type LocalSocket uint64

// Transport sends a datagram to a remote address over a specific local
// socket. It is the non-blocking I/O collaborator behind every [Path].
type Transport interface {
	WriteToUDPAddrPort(socket LocalSocket, b []byte, addr netip.AddrPort) (int, error)
}

// Path is a concrete (local socket, remote address) tuple through which a
// peer is reachable.
type Path struct {
	socket       LocalSocket
	addr         netip.AddrPort
	transport    Transport
	lastReceived atomic.Int64 // UnixNano
}

// Address returns the path's remote address.
func (p *Path) Address() netip.AddrPort { return p.addr }

// LocalSocket returns the local socket this path is reachable through.
func (p *Path) LocalSocket() LocalSocket { return p.socket }

// Received stamps the path's last-received-from time.
func (p *Path) Received(now time.Time) { p.lastReceived.Store(now.UnixNano()) }

// LastReceived returns the last time [Path.Received] was called, or the
// zero time if never.
func (p *Path) LastReceived() time.Time {
	ns := p.lastReceived.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Send writes b to the path's remote address. The write is non-blocking;
// now is accepted for parity with the collaborator contract but this
// reference implementation doesn't use it beyond what Transport does.
func (p *Path) Send(b []byte, now time.Time) error {
	_, err := p.transport.WriteToUDPAddrPort(p.socket, b, p.addr)
	return err
}

// Peer is a remote node identified by its identity and the long-term
// symmetric key agreed with it.
type Peer struct {
	id     identity.Identity
	key    [wire.PeerSecretKeyLen]byte
	isRoot bool

	mu           sync.Mutex
	paths        []*Path
	protoVersion uint8
	major        uint8
	minor        uint8
	revision     uint16

	lastReceive atomic.Int64 // UnixNano
}

// NewPeer creates a Peer from an admitted identity and its agreed
// long-term key.
func NewPeer(id identity.Identity, key [wire.PeerSecretKeyLen]byte) *Peer {
	return &Peer{id: id, key: key}
}

// Identity returns the peer's identity.
func (p *Peer) Identity() identity.Identity { return p.id }

// Address returns the peer's 40-bit address.
func (p *Peer) Address() wire.Address { return p.id.Address() }

// Key returns the peer's long-term symmetric key.
func (p *Peer) Key() [wire.PeerSecretKeyLen]byte { return p.key }

// ProtocolVersion returns the protocol version last advertised in a HELLO
// from this peer.
func (p *Peer) ProtocolVersion() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protoVersion
}

// VersionInfo returns the (protocol, major, minor, revision) tuple last
// advertised by this peer.
func (p *Peer) VersionInfo() (proto, major, minor uint8, revision uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protoVersion, p.major, p.minor, p.revision
}

// SetVersionInfo records the version fields carried by the peer's most
// recent HELLO.
func (p *Peer) SetVersionInfo(proto, major, minor uint8, revision uint16) {
	p.mu.Lock()
	p.protoVersion, p.major, p.minor, p.revision = proto, major, minor, revision
	p.mu.Unlock()
}

// Received records activity from the peer over path at time now, adding
// path to the peer's known path set if it's new.
func (p *Peer) Received(path *Path, now time.Time) {
	path.Received(now)
	p.lastReceive.Store(now.UnixNano())

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.paths {
		if existing == path {
			return
		}
	}
	p.paths = append(p.paths, path)
}

// LastReceive returns the last time [Peer.Received] was called, or the
// zero time if never.
func (p *Peer) LastReceive() time.Time {
	ns := p.lastReceive.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// PreferredPath returns the most recently used path to the peer, if any.
func (p *Peer) PreferredPath() (*Path, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.paths) == 0 {
		return nil, false
	}
	best := p.paths[0]
	bestT := best.LastReceived()
	for _, path := range p.paths[1:] {
		if t := path.LastReceived(); t.After(bestT) {
			best, bestT = path, t
		}
	}
	return best, true
}

type pathKey struct {
	socket LocalSocket
	addr   netip.AddrPort
}

// Topology is the reference in-memory Peer/Path store.
type Topology struct {
	transport Transport

	mu    sync.Mutex
	peers map[wire.Address]*Peer
	paths map[pathKey]*Path
	root  *Peer

	trustMu sync.Mutex
	trusted map[netip.Addr]map[uint64]bool
}

// New creates an empty Topology backed by transport.
func New(transport Transport) *Topology {
	return &Topology{
		transport: transport,
		peers:     make(map[wire.Address]*Peer),
		paths:     make(map[pathKey]*Path),
		trusted:   make(map[netip.Addr]map[uint64]bool),
	}
}

// GetPath returns the [Path] for (socket, from), creating it if this is
// the first time it's been seen.
func (t *Topology) GetPath(socket LocalSocket, from netip.AddrPort) *Path {
	key := pathKey{socket, from}

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.paths[key]
	if !ok {
		p = &Path{socket: socket, addr: from, transport: t.transport}
		t.paths[key] = p
	}
	return p
}

// Get looks up a known peer by address.
func (t *Topology) Get(addr wire.Address) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	return p, ok
}

// Add admits p into the peer table, returning the existing entry instead
// if one with the same address was already present.
func (t *Topology) Add(p *Peer) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.peers[p.Address()]; ok {
		return existing
	}
	t.peers[p.Address()] = p
	return p
}

// Root returns the designated root peer, if one has been set.
func (t *Topology) Root() (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return nil, false
	}
	return t.root, true
}

// SetRoot designates p as the root peer used for WHOIS bootstrapping.
func (t *Topology) SetRoot(p *Peer) {
	t.mu.Lock()
	t.root = p
	t.mu.Unlock()
}

// IsRoot reports whether id names the designated root peer.
func (t *Topology) IsRoot(id identity.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root != nil && t.root.Address() == id.Address()
}

// TrustPath administratively marks trustedPathID as trusted when observed
// arriving from addr, enabling cipher-suite-NONE ingress from it.
func (t *Topology) TrustPath(addr netip.Addr, trustedPathID uint64) {
	t.trustMu.Lock()
	defer t.trustMu.Unlock()
	ids, ok := t.trusted[addr]
	if !ok {
		ids = make(map[uint64]bool)
		t.trusted[addr] = ids
	}
	ids[trustedPathID] = true
}

// ShouldInboundPathBeTrusted reports whether a cipher-NONE packet claiming
// trustedPathID may be accepted without authentication when arriving from
// addr.
func (t *Topology) ShouldInboundPathBeTrusted(addr netip.AddrPort, trustedPathID uint64) bool {
	t.trustMu.Lock()
	defer t.trustMu.Unlock()
	ids, ok := t.trusted[addr.Addr()]
	return ok && ids[trustedPathID]
}
