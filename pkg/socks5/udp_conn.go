package socks5

import (
	"fmt"
	"io"
	"net"
	"sync"

	"sockslib/pkg/socks5/statute"
)

// UDPConn frames datagrams with the SOCKS5 UDP header expected by the
// relay an Associate call set up. It implements net.PacketConn over
// any packet socket; addresses passed to WriteTo may be ordinary UDP
// addresses or statute.Address values carrying a domain name.
type UDPConn struct {
	net.PacketConn
	relay   net.Addr
	control io.Closer // set by Dialer.ListenPacket; closed with the conn

	readMu  sync.Mutex
	readBuf []byte
}

// NewUDPConn wraps pc so its datagrams are exchanged with the relay at
// relayAddr.
func NewUDPConn(pc net.PacketConn, relayAddr net.Addr) *UDPConn {
	return &UDPConn{PacketConn: pc, relay: relayAddr}
}

// RelayAddr returns the relay endpoint the conn exchanges datagrams
// with.
func (c *UDPConn) RelayAddr() net.Addr { return c.relay }

// WriteTo encapsulates p in a datagram header naming addr and sends it
// to the relay. The reported length is the payload's, matching what
// the target receives.
func (c *UDPConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	dst, ok := addr.(statute.Address)
	if !ok {
		dst = statute.AddressOf(addr)
	}
	if dst.IP == nil && dst.Name == "" {
		return 0, fmt.Errorf("unusable target address %q", addr)
	}

	pkt, err := statute.Datagram{DstAddr: dst, Data: p}.Bytes()
	if err != nil {
		return 0, err
	}
	if _, err := c.PacketConn.WriteTo(pkt, c.relay); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadFrom reads one relayed datagram, strips its header, and reports
// the embedded source address. Packets that did not come from the
// relay, carry fragments, or fail to parse are dropped, mirroring the
// relay's own rules.
func (c *UDPConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readBuf == nil {
		c.readBuf = make([]byte, statute.MaxUDPPacketSize)
	}

	for {
		n, from, err := c.PacketConn.ReadFrom(c.readBuf)
		if err != nil {
			return 0, nil, err
		}
		if from.String() != c.relay.String() {
			continue
		}

		dg, err := statute.ParseDatagram(c.readBuf[:n])
		if err != nil || dg.Frag != 0 {
			continue
		}
		return copy(p, dg.Data), dg.DstAddr, nil
	}
}

// Close closes the packet socket and, when the conn came from
// Dialer.ListenPacket, the association's control connection with it.
func (c *UDPConn) Close() error {
	err := c.PacketConn.Close()
	if c.control != nil {
		c.control.Close()
	}
	return err
}
