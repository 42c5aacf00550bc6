package netstack

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	linkloopback "gvisor.dev/gvisor/pkg/tcpip/link/loopback"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const gvisorNICID tcpip.NICID = 1

// GVisorTransport runs connections through a userland gVisor TCP/IP stack
// with a single loopback interface. Nothing touches the host network, which
// makes it useful for tests and self-contained demos.
type GVisorTransport struct {
	stack *stack.Stack
	addr  netip.Addr
}

// NewGVisorTransport creates the userland stack and assigns addr (an IPv4
// address, 127.0.0.1 when invalid) to its loopback interface.
func NewGVisorTransport(addr netip.Addr) (*GVisorTransport, error) {
	if !addr.IsValid() {
		addr = netip.MustParseAddr("127.0.0.1")
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("netstack: gvisor transport needs an IPv4 address, got %s", addr)
	}
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := s.CreateNIC(gvisorNICID, linkloopback.New()); err != nil {
		s.Close()
		return nil, fmt.Errorf("netstack: gvisor CreateNIC: %s", err)
	}
	if err := s.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   tcpip.AddrFrom4(addr.As4()),
				PrefixLen: 8,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		s.Close()
		return nil, fmt.Errorf("netstack: gvisor AddProtocolAddress: %s", err)
	}
	s.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			NIC:         gvisorNICID,
		},
	})
	return &GVisorTransport{stack: s, addr: addr}, nil
}

// Addr is the interface address.
func (t *GVisorTransport) Addr() netip.Addr {
	return t.addr
}

func (t *GVisorTransport) fullAddress(ap netip.AddrPort) tcpip.FullAddress {
	fa := tcpip.FullAddress{NIC: gvisorNICID, Port: ap.Port()}
	if a := ap.Addr().Unmap(); a.Is4() && !a.IsUnspecified() {
		fa.Addr = tcpip.AddrFrom4(a.As4())
	}
	return fa
}

func (t *GVisorTransport) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	conn, err := gonet.DialContextTCP(ctx, t.stack, t.fullAddress(addr), ipv4.ProtocolNumber)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *GVisorTransport) Listen(addr netip.AddrPort) (net.Listener, error) {
	ln, err := gonet.ListenTCP(t.stack, t.fullAddress(addr), ipv4.ProtocolNumber)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// Close tears down the userland stack.
func (t *GVisorTransport) Close() {
	t.stack.Close()
	t.stack.Wait()
}
