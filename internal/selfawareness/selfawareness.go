// Package selfawareness implements the SelfAwareness collaborator: it
// learns this node's externally visible address from HELLOs that arrive
// with hop count zero and carry a surface address, the same way a STUN
// binding response would.
package selfawareness

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/tslog"
)

// SelfAwareness tracks the node's believed external address, one entry
// per local socket. A report from a non-root peer only fills an unset
// entry; a report from the root always replaces it.
type SelfAwareness struct {
	logger *tslog.Logger

	mu      sync.Mutex
	surface map[topology.LocalSocket]netip.AddrPort
}

// New creates a SelfAwareness collaborator.
func New(logger *tslog.Logger) *SelfAwareness {
	return &SelfAwareness{
		logger:  logger,
		surface: make(map[topology.LocalSocket]netip.AddrPort),
	}
}

// Iam records that reporter (reached via localSocket, observed at
// pathAddr) told us our externally visible address is surfaceAddr. A
// report from the root is authoritative; other reports are logged but
// only override an unset entry, mirroring the original HELLO handler's
// hop-zero-only call site (SPEC_FULL.md §4.4 step 8).
func (sa *SelfAwareness) Iam(reporter identity.Identity, localSocket topology.LocalSocket, pathAddr, surfaceAddr netip.AddrPort, isRoot bool, now time.Time) {
	if !surfaceAddr.IsValid() {
		return
	}

	sa.mu.Lock()
	prev, hadPrev := sa.surface[localSocket]
	if isRoot || !hadPrev {
		sa.surface[localSocket] = surfaceAddr
	}
	sa.mu.Unlock()

	if !hadPrev || prev != surfaceAddr {
		sa.logger.Debug("Learned external address",
			slog.Uint64("localSocket", uint64(localSocket)),
			tslog.AddrPort("pathAddr", pathAddr),
			tslog.AddrPort("surfaceAddr", surfaceAddr),
			slog.Bool("isRoot", isRoot),
			tslog.Hex("reporter", uint64(reporter.Address())),
		)
	}
}

// SurfaceAddr returns the believed external address for localSocket, if
// any report has been received for it.
func (sa *SelfAwareness) SurfaceAddr(localSocket topology.LocalSocket) (netip.AddrPort, bool) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	addr, ok := sa.surface[localSocket]
	return addr, ok
}
