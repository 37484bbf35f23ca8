package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/database64128/vl1node/internal/dispatch"
	"github.com/database64128/vl1node/internal/topology"
	"github.com/database64128/vl1node/tslog"
)

// ListenerConfig names one UDP socket for the node to listen on.
type ListenerConfig struct {
	// Network is "udp", "udp4", or "udp6". Empty defaults to "udp".
	Network string `json:"network,omitzero"`

	// Address is the address:port to listen on, e.g. "0.0.0.0:9993".
	Address string `json:"address"`
}

// udpTransport is a minimal [topology.Transport] backed by one
// [net.UDPConn] per configured listener. It does not batch reads or
// writes (the teacher's conn package's recvmmsg(2)/sendmmsg(2) machinery
// is socket-I/O tuning out of scope for this core, see DESIGN.md); every
// packet is one syscall.
type udpTransport struct {
	mu    sync.RWMutex
	conns map[topology.LocalSocket]*net.UDPConn
}

func newUDPTransport() *udpTransport {
	return &udpTransport{conns: make(map[topology.LocalSocket]*net.UDPConn)}
}

// WriteToUDPAddrPort implements [topology.Transport].
func (t *udpTransport) WriteToUDPAddrPort(socket topology.LocalSocket, b []byte, addr netip.AddrPort) (int, error) {
	t.mu.RLock()
	conn, ok := t.conns[socket]
	t.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("vl1node: no listener for local socket %d", socket)
	}
	return conn.WriteToUDPAddrPort(b, addr)
}

// listenerService opens every configured UDP listener and feeds received
// datagrams into a [*dispatch.Dispatcher], implementing [node.Service].
type listenerService struct {
	cfgs       []ListenerConfig
	transport  *udpTransport
	dispatcher *dispatch.Dispatcher
	logger     *tslog.Logger

	mu    sync.Mutex
	conns []*net.UDPConn
	wg    sync.WaitGroup
}

func newListenerService(cfgs []ListenerConfig, transport *udpTransport, dispatcher *dispatch.Dispatcher, logger *tslog.Logger) *listenerService {
	return &listenerService{cfgs: cfgs, transport: transport, dispatcher: dispatcher, logger: logger}
}

// SlogAttr implements [node.Service].
func (s *listenerService) SlogAttr() slog.Attr {
	return slog.String("service", "listener")
}

// Start implements [node.Service].
func (s *listenerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.cfgs {
		network := c.Network
		if network == "" {
			network = "udp"
		}
		addr, err := net.ResolveUDPAddr(network, c.Address)
		if err != nil {
			s.closeAllLocked()
			return fmt.Errorf("failed to resolve listen address %q: %w", c.Address, err)
		}
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, network, addr.String())
		if err != nil {
			s.closeAllLocked()
			return fmt.Errorf("failed to listen on %q: %w", c.Address, err)
		}
		conn := pc.(*net.UDPConn)

		socket := topology.LocalSocket(i)
		s.transport.mu.Lock()
		s.transport.conns[socket] = conn
		s.transport.mu.Unlock()
		s.conns = append(s.conns, conn)

		s.logger.Info("Listening", slog.Uint64("localSocket", uint64(socket)), slog.String("network", network), slog.Any("localAddr", conn.LocalAddr()))

		s.wg.Add(1)
		go s.readLoop(socket, conn)
	}
	return nil
}

func (s *listenerService) readLoop(socket topology.LocalSocket, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.dispatcher.OnRemotePacket(socket, from, pkt, time.Now())
	}
}

// Stop implements [node.Service].
func (s *listenerService) Stop() error {
	s.mu.Lock()
	s.closeAllLocked()
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *listenerService) closeAllLocked() {
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}
