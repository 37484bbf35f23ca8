package vl2

import (
	"net/netip"
	"testing"

	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/tslogtest"
)

func TestLoggingStubImplementsDelegateWithoutPanicking(t *testing.T) {
	s := NewLoggingStub(tslogtest.Config{}.NewTestLogger(t))
	id := identity.NIL

	s.Frame(id, nil, 1, 0x0800, []byte{1, 2, 3})
	s.ExtFrame(id, nil, 1, 0, 0, 0x0800, []byte{1, 2, 3})
	s.MulticastLike(id, nil, []byte{1})
	s.MulticastGather(id, nil, 1, netip.MustParseAddr("ff02::1"), 32)
	s.MulticastFrameDeprecated(id, nil, []byte{1})
	s.Multicast(id, nil, []byte{1})
	s.NetworkCredentials(id, nil, []byte{1})
	s.NetworkConfigRequest(id, nil, 1, []byte{1})
	s.NetworkConfig(id, nil, 1, []byte{1})
}
