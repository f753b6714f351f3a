package socks5

import (
	"context"
	"fmt"
	"io"
	"net"

	"sockslib/pkg/socks5/statute"
)

// Dialer dials destinations through a SOCKS5 proxy. It satisfies both
// the Dial and DialContext contracts of golang.org/x/net/proxy, so it
// drops into anything that consumes a proxy.Dialer.
type Dialer struct {
	// ProxyAddr is the proxy's host:port.
	ProxyAddr string

	// Client drives the handshake. Nil means an unauthenticated
	// client.
	Client *Client

	// ProxyDial reaches the proxy itself. Nil means a plain
	// net.Dialer, but another Dialer works here too, chaining
	// proxies.
	ProxyDial DialFunc
}

// DialContext opens a CONNECT tunnel to addr through the proxy. Only
// TCP networks can be tunneled with CONNECT; use ListenPacket for UDP.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("network %q cannot be tunneled with connect", network)
	}

	dst, err := statute.ParseAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", addr, err)
	}

	conn, err := d.dialProxy(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := d.client().Connect(ctx, conn, dst); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Dial is DialContext with a background context, for callers that only
// speak the older interface.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// ListenPacket opens a UDP association and returns a packet conn whose
// datagrams travel through the proxy's relay. Closing it closes the
// association's control connection too.
func (d *Dialer) ListenPacket(ctx context.Context) (net.PacketConn, error) {
	ctrl, err := d.dialProxy(ctx)
	if err != nil {
		return nil, err
	}

	relayAddr, err := d.client().Associate(ctx, ctrl, statute.Address{})
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	// An unspecified relay IP means "the host you dialed".
	if relayAddr.Name == "" && (relayAddr.IP == nil || relayAddr.IP.IsUnspecified()) {
		if ta, ok := ctrl.RemoteAddr().(*net.TCPAddr); ok {
			relayAddr.IP = ta.IP
		}
	}
	raddr, err := net.ResolveUDPAddr("udp", relayAddr.String())
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("resolve relay address: %w", err)
	}

	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	uc := NewUDPConn(pc, raddr)
	uc.control = ctrl

	// The proxy tears the relay down when the control stream dies;
	// mirror that teardown locally.
	go func() {
		_, _ = io.Copy(io.Discard, ctrl)
		uc.Close()
	}()

	return uc, nil
}

func (d *Dialer) dialProxy(ctx context.Context) (net.Conn, error) {
	dial := d.ProxyDial
	if dial == nil {
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, addr)
		}
	}
	conn, err := dial(ctx, "tcp", d.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", d.ProxyAddr, err)
	}
	return conn, nil
}

func (d *Dialer) client() *Client {
	if d.Client != nil {
		return d.Client
	}
	return NewClient()
}
