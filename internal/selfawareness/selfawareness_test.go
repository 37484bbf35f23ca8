package selfawareness

import (
	"net/netip"
	"testing"
	"time"

	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/tslogtest"
)

func newTestSA(t *testing.T) *SelfAwareness {
	return New(tslogtest.Config{}.NewTestLogger(t))
}

func TestIamRecordsFirstReport(t *testing.T) {
	sa := newTestSA(t)
	surface := netip.MustParseAddrPort("203.0.113.1:9993")

	sa.Iam(identity.Identity{}, topology.LocalSocket(0), netip.AddrPort{}, surface, false, time.Unix(0, 0))

	got, ok := sa.SurfaceAddr(topology.LocalSocket(0))
	if !ok {
		t.Fatal("SurfaceAddr() not ok after a report")
	}
	if got != surface {
		t.Fatalf("SurfaceAddr() = %v, want %v", got, surface)
	}
}

func TestIamNonRootDoesNotOverrideExisting(t *testing.T) {
	sa := newTestSA(t)
	first := netip.MustParseAddrPort("203.0.113.1:9993")
	second := netip.MustParseAddrPort("198.51.100.1:9993")

	sa.Iam(identity.Identity{}, topology.LocalSocket(0), netip.AddrPort{}, first, false, time.Unix(0, 0))
	sa.Iam(identity.Identity{}, topology.LocalSocket(0), netip.AddrPort{}, second, false, time.Unix(0, 0))

	got, _ := sa.SurfaceAddr(topology.LocalSocket(0))
	if got != first {
		t.Fatalf("SurfaceAddr() = %v, want unchanged %v", got, first)
	}
}

func TestIamRootOverridesExisting(t *testing.T) {
	sa := newTestSA(t)
	first := netip.MustParseAddrPort("203.0.113.1:9993")
	second := netip.MustParseAddrPort("198.51.100.1:9993")

	sa.Iam(identity.Identity{}, topology.LocalSocket(0), netip.AddrPort{}, first, false, time.Unix(0, 0))
	sa.Iam(identity.Identity{}, topology.LocalSocket(0), netip.AddrPort{}, second, true, time.Unix(0, 0))

	got, _ := sa.SurfaceAddr(topology.LocalSocket(0))
	if got != second {
		t.Fatalf("SurfaceAddr() = %v, want root-overridden %v", got, second)
	}
}

func TestIamInvalidAddrIgnored(t *testing.T) {
	sa := newTestSA(t)
	sa.Iam(identity.Identity{}, topology.LocalSocket(0), netip.AddrPort{}, netip.AddrPort{}, true, time.Unix(0, 0))

	if _, ok := sa.SurfaceAddr(topology.LocalSocket(0)); ok {
		t.Fatal("SurfaceAddr() should be unset after an invalid report")
	}
}

func TestSurfaceAddrPerSocket(t *testing.T) {
	sa := newTestSA(t)
	a := netip.MustParseAddrPort("203.0.113.1:9993")
	b := netip.MustParseAddrPort("198.51.100.1:9994")

	sa.Iam(identity.Identity{}, topology.LocalSocket(0), netip.AddrPort{}, a, false, time.Unix(0, 0))
	sa.Iam(identity.Identity{}, topology.LocalSocket(1), netip.AddrPort{}, b, false, time.Unix(0, 0))

	got0, _ := sa.SurfaceAddr(topology.LocalSocket(0))
	got1, _ := sa.SurfaceAddr(topology.LocalSocket(1))
	if got0 != a || got1 != b {
		t.Fatalf("per-socket surface addresses got mixed up: socket0=%v socket1=%v", got0, got1)
	}
}
