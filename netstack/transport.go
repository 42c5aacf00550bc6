package netstack

import (
	"context"
	"net"
	"net/netip"
)

// Transport opens the byte streams PCBs run on.
type Transport interface {
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
	Listen(addr netip.AddrPort) (net.Listener, error)
}

// OSTransport uses the operating system's TCP sockets.
type OSTransport struct {
	Dialer       net.Dialer
	ListenConfig net.ListenConfig
}

func (t *OSTransport) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp", addr.String())
}

func (t *OSTransport) Listen(addr netip.AddrPort) (net.Listener, error) {
	network := "tcp"
	if addr.Addr().Is4() {
		network = "tcp4"
	}
	return t.ListenConfig.Listen(context.Background(), network, addr.String())
}

// addrPort converts a TCP net.Addr, as returned by both the OS and gVisor
// adapters, into an AddrPort.
func addrPort(a net.Addr) netip.AddrPort {
	ta, ok := a.(*net.TCPAddr)
	if !ok {
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return ap
	}
	ap := ta.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
