// Package trace implements the Tracer observability collaborator: every
// packet drop and unexpected fault flows through here as a single
// structured event, never as a returned error that could terminate the
// caller (SPEC_FULL.md §7).
package trace

import (
	"log/slog"
	"net/netip"

	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/wire"
	"github.com/database64128/vl1node/tslog"
)

// DropReason is the closed taxonomy of reasons a packet may be dropped.
type DropReason uint8

const (
	MalformedPacket DropReason = iota
	MACFailed
	NotTrustedPath
	InvalidObject
	InvalidCompressedData
	PeerTooOld
	RateLimitExceeded
	UnrecognizedVerb
)

func (r DropReason) String() string {
	switch r {
	case MalformedPacket:
		return "MALFORMED_PACKET"
	case MACFailed:
		return "MAC_FAILED"
	case NotTrustedPath:
		return "NOT_TRUSTED_PATH"
	case InvalidObject:
		return "INVALID_OBJECT"
	case InvalidCompressedData:
		return "INVALID_COMPRESSED_DATA"
	case PeerTooOld:
		return "PEER_TOO_OLD"
	case RateLimitExceeded:
		return "RATE_LIMIT_EXCEEDED"
	case UnrecognizedVerb:
		return "UNRECOGNIZED_VERB"
	default:
		return "UNKNOWN"
	}
}

// Tracer is the observability sink consulted by every packet-processing
// component. Implementations must be safe for concurrent use and must
// never block the caller on I/O.
type Tracer interface {
	// IncomingPacketDropped records a categorized packet drop.
	//
	// code is a stable 32-bit value identifying the call site, for field
	// debugging without needing to ship symbols; networkID is a VL2
	// network id when the drop is network-scoped, else zero; peer is the
	// sender's identity if known, else [identity.NIL].
	IncomingPacketDropped(code uint32, packetID uint64, networkID uint64, peer identity.Identity, pathAddr netip.AddrPort, hops uint8, verb wire.Verb, reason DropReason)

	// UnexpectedError records a fault the dispatcher's panic-recovery
	// boundary caught, distinct from an ordinary packet drop.
	UnexpectedError(code uint32, msg string)
}

// Logger is a [Tracer] backed by a [tslog.Logger].
type Logger struct {
	logger *tslog.Logger
}

// NewLogger creates a [Tracer] that writes trace events as structured log
// lines.
func NewLogger(logger *tslog.Logger) *Logger {
	return &Logger{logger: logger}
}

// IncomingPacketDropped implements [Tracer].
func (l *Logger) IncomingPacketDropped(code uint32, packetID uint64, networkID uint64, peer identity.Identity, pathAddr netip.AddrPort, hops uint8, verb wire.Verb, reason DropReason) {
	l.logger.Debug("Dropped incoming packet",
		tslog.Hex("code", code),
		tslog.Hex("packetID", packetID),
		tslog.Hex("networkID", networkID),
		tslog.Hex("peer", uint64(peer.Address())),
		tslog.AddrPort("pathAddr", pathAddr),
		tslog.Uint("hops", hops),
		tslog.Uint("verb", uint8(verb)),
		slog.String("reason", reason.String()),
	)
}

// UnexpectedError implements [Tracer].
func (l *Logger) UnexpectedError(code uint32, msg string) {
	l.logger.Error("Unexpected error in packet dispatch",
		tslog.Hex("code", code),
		slog.String("msg", msg),
	)
}
