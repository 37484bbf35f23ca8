// Package vl2 defines the delegate interface the dispatcher hands
// L2-switching verbs off to. VL2 itself (the virtual-Ethernet layer) is an
// external collaborator (SPEC_FULL.md §6); this package only defines the
// boundary and a logging stub good enough to run a VL1-only node.
package vl2

import (
	"log/slog"
	"net/netip"

	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/tslog"
)

// Delegate handles every verb classified as VL2 by [wire.Verb.IsVL2].
// Implementations must not block the dispatcher; if switching work needs
// to happen, queue it and return.
type Delegate interface {
	Frame(source identity.Identity, path *topology.Path, networkID uint64, etherType uint16, payload []byte)
	ExtFrame(source identity.Identity, path *topology.Path, networkID uint64, flags uint8, comTo, etherType uint16, payload []byte)
	MulticastLike(source identity.Identity, path *topology.Path, payload []byte)
	MulticastGather(source identity.Identity, path *topology.Path, networkID uint64, multicastGroup netip.Addr, gatherLimit uint32)
	MulticastFrameDeprecated(source identity.Identity, path *topology.Path, payload []byte)
	Multicast(source identity.Identity, path *topology.Path, payload []byte)
	NetworkCredentials(source identity.Identity, path *topology.Path, payload []byte)
	NetworkConfigRequest(source identity.Identity, path *topology.Path, networkID uint64, payload []byte)
	NetworkConfig(source identity.Identity, path *topology.Path, networkID uint64, payload []byte)
}

// LoggingStub is a [Delegate] that logs every call and does nothing else,
// sufficient to run a VL1-only node (one that authenticates and dispatches
// but does not switch Ethernet frames onto any virtual network).
type LoggingStub struct {
	logger *tslog.Logger
}

// NewLoggingStub creates a [LoggingStub].
func NewLoggingStub(logger *tslog.Logger) *LoggingStub {
	return &LoggingStub{logger: logger}
}

func (s *LoggingStub) log(verb string, source identity.Identity, path *topology.Path, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("verb", verb),
		tslog.Hex("source", uint64(source.Address())),
	}
	if path != nil {
		base = append(base, tslog.AddrPort("pathAddr", path.Address()))
	}
	s.logger.Debug("VL2 verb received; no VL2 delegate configured", append(base, attrs...)...)
}

func (s *LoggingStub) Frame(source identity.Identity, path *topology.Path, networkID uint64, etherType uint16, payload []byte) {
	s.log("FRAME", source, path, tslog.Hex("networkID", networkID), tslog.Hex("etherType", etherType), slog.Int("payloadLen", len(payload)))
}

func (s *LoggingStub) ExtFrame(source identity.Identity, path *topology.Path, networkID uint64, flags uint8, comTo, etherType uint16, payload []byte) {
	s.log("EXT_FRAME", source, path, tslog.Hex("networkID", networkID), slog.Int("payloadLen", len(payload)))
}

func (s *LoggingStub) MulticastLike(source identity.Identity, path *topology.Path, payload []byte) {
	s.log("MULTICAST_LIKE", source, path, slog.Int("payloadLen", len(payload)))
}

func (s *LoggingStub) MulticastGather(source identity.Identity, path *topology.Path, networkID uint64, multicastGroup netip.Addr, gatherLimit uint32) {
	s.log("MULTICAST_GATHER", source, path, tslog.Hex("networkID", networkID), tslog.Addr("multicastGroup", multicastGroup))
}

func (s *LoggingStub) MulticastFrameDeprecated(source identity.Identity, path *topology.Path, payload []byte) {
	s.log("MULTICAST_FRAME(deprecated)", source, path, slog.Int("payloadLen", len(payload)))
}

func (s *LoggingStub) Multicast(source identity.Identity, path *topology.Path, payload []byte) {
	s.log("MULTICAST", source, path, slog.Int("payloadLen", len(payload)))
}

func (s *LoggingStub) NetworkCredentials(source identity.Identity, path *topology.Path, payload []byte) {
	s.log("NETWORK_CREDENTIALS", source, path, slog.Int("payloadLen", len(payload)))
}

func (s *LoggingStub) NetworkConfigRequest(source identity.Identity, path *topology.Path, networkID uint64, payload []byte) {
	s.log("NETWORK_CONFIG_REQUEST", source, path, tslog.Hex("networkID", networkID))
}

func (s *LoggingStub) NetworkConfig(source identity.Identity, path *topology.Path, networkID uint64, payload []byte) {
	s.log("NETWORK_CONFIG", source, path, tslog.Hex("networkID", networkID))
}

var _ Delegate = (*LoggingStub)(nil)
