// Package node wires the ingress pipeline's collaborators together into a
// runnable whole: identity, topology, the buffer pool, the defragmenter,
// the HELLO handler, the WHOIS queue, and the dispatcher, plus the
// periodic maintenance (WHOIS retry) and HELLO-admission rate gating that
// spec.md leaves to "the Node collaborator" (SPEC_FULL.md §6).
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/database64128/vl1node/fastrand"
	"github.com/database64128/vl1node/internal/bufpool"
	"github.com/database64128/vl1node/internal/defrag"
	"github.com/database64128/vl1node/internal/dispatch"
	"github.com/database64128/vl1node/internal/hello"
	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/selfawareness"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/internal/trace"
	"github.com/database64128/vl1node/internal/vl2"
	"github.com/database64128/vl1node/internal/whois"
	"github.com/database64128/vl1node/internal/wire"
	"github.com/database64128/vl1node/pprof"
	"github.com/database64128/vl1node/tslog"
)

// Service is implemented by the node's long-running subsystems (listeners,
// the pprof debug server). Mirrors the teacher's service.Service contract,
// adapted to the tslog-based attribute style already used by pprof.Service.
type Service interface {
	// SlogAttr returns a log attribute identifying the service, for
	// inclusion in start/stop log lines.
	SlogAttr() slog.Attr

	// Start starts the service. It must not block past the point where
	// the service is ready to serve.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop() error
}

// RateLimitConfig configures the per-address HELLO admission rate gate.
type RateLimitConfig struct {
	// MaxPerInterval is the maximum number of identity verifications
	// (unknown-peer HELLO admissions) allowed per source address within
	// Interval. Zero disables the gate (every request is admitted) when
	// Interval is set; a RateLimitConfig with both fields zero is replaced
	// by [DefaultRateLimit].
	MaxPerInterval int `json:"maxPerInterval"`

	// Interval is the length of the fixed window over which
	// MaxPerInterval applies.
	Interval time.Duration `json:"interval"`
}

// DefaultRateLimit matches the original implementation's HELLO
// rate-gating order of magnitude: a handful of verifications per source
// per second, cheap enough to not be a practical constraint on a
// legitimately reconnecting peer but enough to blunt a spoofed-source
// flood of HELLOs.
var DefaultRateLimit = RateLimitConfig{MaxPerInterval: 4, Interval: time.Second}

// Config aggregates everything needed to build a [Node].
type Config struct {
	// IdentityPath is the path to the node's long-term identity file. If
	// the file does not exist, a new identity is generated and saved
	// there.
	IdentityPath string `json:"identityPath"`

	// PoolCapacity is the number of [bufpool.Buf] the shared buffer pool
	// holds. Zero uses a reasonable default.
	PoolCapacity int `json:"poolCapacity,omitzero"`

	// DefragShardCount is the number of independently-locked shards in
	// the defragmenter's reassembly table. Zero uses a reasonable
	// default.
	DefragShardCount int `json:"defragShardCount,omitzero"`

	// MaxIncomingFragmentsPerPath bounds how many in-flight (incomplete)
	// reassemblies a single path may hold at once.
	MaxIncomingFragmentsPerPath int `json:"maxIncomingFragmentsPerPath,omitzero"`

	// MaxDecompressedPayload bounds the size of an LZ4-decompressed
	// payload. Zero uses the buffer's full capacity.
	MaxDecompressedPayload int `json:"maxDecompressedPayload,omitzero"`

	// WhoisRetryDelay is the minimum interval between WHOIS retries for
	// the same unresolved address. Zero uses [whois.DefaultRetryDelay].
	WhoisRetryDelay time.Duration `json:"whoisRetryDelay,omitzero"`

	// WhoisMaxQueuedPerSource bounds how many packets are buffered per
	// unresolved source address.
	WhoisMaxQueuedPerSource int `json:"whoisMaxQueuedPerSource,omitzero"`

	// MinProtoVersion is the oldest protocol version a peer may advertise
	// in HELLO before being dropped as too old.
	MinProtoVersion uint8 `json:"minProtoVersion,omitzero"`

	// Version is this node's own advertised protocol/software version.
	Version hello.VersionInfo `json:"version"`

	// Dictionary is the node-metadata dictionary advertised in OK replies
	// to v11+ peers.
	Dictionary wire.Dictionary `json:"dictionary,omitzero"`

	// RateLimit configures HELLO admission rate gating.
	RateLimit RateLimitConfig `json:"rateLimit,omitzero"`

	// Pprof configures the optional debug HTTP server.
	Pprof pprof.Config `json:"pprof,omitzero"`
}

// rateLimiter is a simple fixed-window per-address counter. It trades the
// precision of a sliding-window or token-bucket limiter for a single map
// lookup and no background sweeping; the window resets lazily on next
// access, consistent with the rest of this package's preference for
// lock-held-briefly, no-blocking bookkeeping.
type rateLimiter struct {
	maxPerInterval int
	interval       time.Duration

	mu      sync.Mutex
	windows map[netip.Addr]window
}

type window struct {
	start time.Time
	count int
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		maxPerInterval: cfg.MaxPerInterval,
		interval:       cfg.Interval,
		windows:        make(map[netip.Addr]window),
	}
}

func (r *rateLimiter) allow(now time.Time, addr netip.Addr) bool {
	if r.maxPerInterval <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[addr]
	if !ok || now.Sub(w.start) >= r.interval {
		r.windows[addr] = window{start: now, count: 1}
		return true
	}
	if w.count >= r.maxPerInterval {
		return false
	}
	w.count++
	r.windows[addr] = w
	return true
}

// Node wires every ingress-pipeline collaborator together and exposes the
// small additional surface ([Node.Now], [Node.RateGateIdentityVerification])
// that spec.md §6 names as belonging to "the Node collaborator".
type Node struct {
	Identity identity.Identity

	pool       *bufpool.Pool
	defrag     *defrag.Defragmenter
	topo       *topology.Topology
	tracer     trace.Tracer
	selfaware  *selfawareness.SelfAwareness
	hello      *hello.Handler
	whois      *whois.Queue
	dispatcher *dispatch.Dispatcher
	rateLimit  *rateLimiter
	logger     *tslog.Logger

	services []Service

	whoisStop chan struct{}
	whoisDone chan struct{}
}

// New builds a Node from cfg, transport, and vl2Delegate (pass
// [vl2.NewLoggingStub] for a VL1-only node). id is the node's own loaded
// or generated identity.
func New(cfg Config, id identity.Identity, transport topology.Transport, vl2Delegate vl2.Delegate, logger *tslog.Logger) *Node {
	poolCapacity := cfg.PoolCapacity
	if poolCapacity <= 0 {
		poolCapacity = 4096
	}
	shardCount := cfg.DefragShardCount
	if shardCount <= 0 {
		shardCount = 16
	}
	maxFragmentsPerPath := cfg.MaxIncomingFragmentsPerPath
	if maxFragmentsPerPath <= 0 {
		maxFragmentsPerPath = dispatch.DefaultMaxIncomingFragmentsPerPath
	}
	rateLimit := cfg.RateLimit
	if rateLimit.MaxPerInterval == 0 && rateLimit.Interval == 0 {
		rateLimit = DefaultRateLimit
	}

	pool := bufpool.New(poolCapacity)
	topo := topology.New(transport)
	tracer := trace.NewLogger(logger)
	sa := selfawareness.New(logger)
	wq := whois.New(cfg.WhoisRetryDelay, cfg.WhoisMaxQueuedPerSource)

	helloCfg := hello.Config{
		Identity:        id,
		Version:         cfg.Version,
		MinProtoVersion: cfg.MinProtoVersion,
		Dictionary:      cfg.Dictionary,
	}
	h := hello.New(helloCfg, topo, sa, tracer, pool)

	n := &Node{
		Identity:  id,
		pool:      pool,
		defrag:    defrag.New(shardCount),
		topo:      topo,
		tracer:    tracer,
		selfaware: sa,
		hello:     h,
		whois:     wq,
		rateLimit: newRateLimiter(rateLimit),
		logger:    logger,
		whoisStop: make(chan struct{}),
		whoisDone: make(chan struct{}),
	}

	dcfg := dispatch.Config{
		MaxIncomingFragmentsPerPath: maxFragmentsPerPath,
		MaxDecompressedPayload:      cfg.MaxDecompressedPayload,
	}
	relay := dispatch.NoopRelay{Tracer: tracer}
	n.dispatcher = dispatch.New(id, dcfg, pool, n.defrag, topo, h, wq, vl2Delegate, relay, tracer, logger, n, NewPacketID)

	if cfg.Pprof.Enabled {
		n.services = append(n.services, cfg.Pprof.NewService(logger.WithAttrs(slog.String("service", "pprof"))))
	}

	return n
}

// NewPacketID generates a random 64-bit packet id, matching the original
// implementation's use of a cryptographically-insignificant but
// unpredictable counter for outbound packet ids (it need only avoid
// collisions in practice, not resist prediction: the wire format's replay
// protection is the per-path sequence behavior of the Defragmenter and
// Armor's MAC, not packet id secrecy).
func NewPacketID() uint64 {
	return fastrand.Uint64()
}

// Topology returns the node's peer/path store, for callers that need to
// seed a root peer or administratively trust a path before starting.
func (n *Node) Topology() *topology.Topology { return n.topo }

// Dispatcher returns the node's ingress dispatcher, the entry point
// listeners hand received datagrams to.
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

// Now returns the current time. It exists as a method (rather than every
// collaborator calling [time.Now] directly) so tests can substitute a
// deterministic clock by embedding a differently-behaved Node-shaped type,
// mirroring the teacher's fakeClock pattern in logging/zap.go, adapted
// here as an overridable method instead of a zapcore.Clock.
func (n *Node) Now() time.Time { return time.Now() }

// RateGateIdentityVerification implements [hello.RateGater]: it reports
// whether a new identity-verification attempt from addr should be
// admitted, consistent with spec.md §4.4's mention of rate-limiting
// unknown-peer HELLO admission.
func (n *Node) RateGateIdentityVerification(now time.Time, addr netip.AddrPort) bool {
	return n.rateLimit.allow(now, addr.Addr())
}

// AddService registers an additional [Service] to be started/stopped
// alongside the node's built-in ones (e.g. a UDP listener constructed by
// cmd/vl1node after the Node itself, since it needs the Node to exist
// first in order to feed it packets).
func (n *Node) AddService(s Service) {
	n.services = append(n.services, s)
}

// Start starts every registered [Service] and the WHOIS retry loop.
func (n *Node) Start(ctx context.Context) error {
	for _, s := range n.services {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", s.SlogAttr().Value.String(), err)
		}
		n.logger.Info("Started service", s.SlogAttr())
	}

	go n.runWhoisTicker()
	return nil
}

// Stop stops the WHOIS retry loop and every registered [Service].
func (n *Node) Stop() {
	close(n.whoisStop)
	<-n.whoisDone

	for _, s := range n.services {
		if err := s.Stop(); err != nil {
			n.logger.Warn("Failed to stop service", s.SlogAttr(), tslog.Err(err))
			continue
		}
		n.logger.Info("Stopped service", s.SlogAttr())
	}
}

// runWhoisTicker periodically drives [whois.Queue.Tick] until Stop is
// called, matching spec.md §4.5's retry cadence.
func (n *Node) runWhoisTicker() {
	defer close(n.whoisDone)

	interval := whois.DefaultRetryDelay
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.whoisStop:
			return
		case now := <-ticker.C:
			sent, ok := n.whois.Tick(now, n.topo, n.pool, n.Identity.Address(), NewPacketID)
			if !ok {
				n.logger.Debug("WHOIS tick found no root peer to query")
				continue
			}
			if sent > 0 {
				n.logger.Debug("Sent WHOIS requests", slog.Int("count", sent))
			}
		}
	}
}

var _ hello.RateGater = (*Node)(nil)
