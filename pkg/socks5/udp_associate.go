package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"sockslib/pkg/socks5/statute"
)

// handleAssociate serves a UDP ASSOCIATE request. Two sockets back the
// association: a client-facing one whose address goes in the reply, and
// a target-facing one that exchanges bare payloads with the outside
// world. The association lives exactly as long as the TCP control
// connection that requested it.
func (h *Server) handleAssociate(ctx context.Context, conn *bufferedConn, sess *session, req statute.Request) error {
	clientSide, err := net.ListenUDP("udp", &net.UDPAddr{IP: h.relayIP(conn)})
	if err != nil {
		if werr := writeReply(conn, statute.ReplyGeneralFailure, statute.Address{}); werr != nil {
			return fmt.Errorf("write reply: %w", werr)
		}
		return abort(PhaseDispatch, statute.ReplyGeneralFailure, fmt.Errorf("udp listen: %w", err))
	}
	defer clientSide.Close()

	targetSide, err := net.ListenUDP("udp", nil)
	if err != nil {
		if werr := writeReply(conn, statute.ReplyGeneralFailure, statute.Address{}); werr != nil {
			return fmt.Errorf("write reply: %w", werr)
		}
		return abort(PhaseDispatch, statute.ReplyGeneralFailure, fmt.Errorf("udp listen: %w", err))
	}
	defer targetSide.Close()

	if err := writeReply(conn, statute.ReplySucceeded, statute.AddressOf(clientSide.LocalAddr())); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}

	sess.setState(StateRelayingUDP)
	sess.logger.Debug().Str("relay", clientSide.LocalAddr().String()).
		Str("hint", req.DstAddr.String()).Msg("UDP association open")

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the sockets is what unblocks the relay loops.
	stop := context.AfterFunc(relayCtx, func() {
		clientSide.Close()
		targetSide.Close()
	})
	defer stop()

	// The control stream carries no further protocol data; its EOF is
	// the signal that the client is done with the association.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	r := &udpRelay{
		server:   h,
		sess:     sess,
		clientIP: tcpPeerIP(conn),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.clientToTargets(relayCtx, clientSide, targetSide)
	}()
	go func() {
		defer wg.Done()
		r.targetsToClient(clientSide, targetSide)
	}()
	wg.Wait()

	sess.logger.Debug().Msg("UDP association closed")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// udpRelay is the state shared by the two directions of one
// association: the pinned client endpoint and the targets it has
// spoken to.
type udpRelay struct {
	server   *Server
	sess     *session
	clientIP net.IP
	client   atomic.Pointer[net.UDPAddr]
	targets  sync.Map // resolved target "ip:port" -> struct{}
}

// clientToTargets decapsulates datagrams from the client and forwards
// their payloads. Anything unusable is dropped, never answered: foreign
// senders, fragmented datagrams, unparseable headers, and domain
// targets that cannot be resolved.
func (r *udpRelay) clientToTargets(ctx context.Context, clientSide, targetSide *net.UDPConn) {
	buf := make([]byte, statute.MaxUDPPacketSize)
	for {
		n, src, err := clientSide.ReadFromUDP(buf)
		if err != nil {
			return
		}

		if !r.fromClient(src) {
			continue
		}

		dg, err := statute.ParseDatagram(buf[:n])
		if err != nil || dg.Frag != 0 {
			continue
		}

		dst := dg.DstAddr
		if dst.Name != "" {
			if r.server.resolver == nil {
				continue
			}
			ip, err := r.server.resolver.Resolve(ctx, dst.Name)
			if err != nil {
				r.sess.logger.Debug().Err(err).Str("target", dst.Name).
					Msg("Dropping datagram for unresolvable target")
				continue
			}
			dst = statute.Address{IP: ip, Port: dst.Port}
		}

		target := &net.UDPAddr{IP: dst.IP, Port: int(dst.Port)}
		r.targets.Store(target.String(), struct{}{})

		if _, err := targetSide.WriteToUDP(dg.Data, target); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
		}
	}
}

// targetsToClient encapsulates replies from known targets and sends
// them back to the pinned client endpoint. Packets from senders the
// client never addressed are dropped.
func (r *udpRelay) targetsToClient(clientSide, targetSide *net.UDPConn) {
	buf := make([]byte, statute.MaxUDPPacketSize)
	for {
		n, src, err := targetSide.ReadFromUDP(buf)
		if err != nil {
			return
		}

		if _, ok := r.targets.Load(src.String()); !ok {
			continue
		}
		client := r.client.Load()
		if client == nil {
			continue
		}

		pkt, err := statute.Datagram{DstAddr: statute.AddressOf(src), Data: buf[:n]}.Bytes()
		if err != nil {
			continue
		}
		if _, err := clientSide.WriteToUDP(pkt, client); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
		}
	}
}

// fromClient pins the client's UDP endpoint on first contact and
// filters everything else out. Only the IP that opened the control
// connection may claim the association.
func (r *udpRelay) fromClient(src *net.UDPAddr) bool {
	if pinned := r.client.Load(); pinned != nil {
		return pinned.IP.Equal(src.IP) && pinned.Port == src.Port
	}
	if r.clientIP != nil && !r.clientIP.Equal(src.IP) {
		return false
	}
	r.client.Store(src)
	return true
}

// relayIP is the address the client-facing relay socket binds to: the
// configured bind IP, or the interface the control connection arrived
// on so the reply names an address the client can actually reach.
func (h *Server) relayIP(conn net.Conn) net.IP {
	if h.bindIP != nil {
		return h.bindIP
	}
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

func tcpPeerIP(conn net.Conn) net.IP {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}
