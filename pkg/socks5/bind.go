package socks5

import (
	"context"
	"fmt"
	"net"

	"sockslib/pkg/relay"
	"sockslib/pkg/socks5/statute"
)

// handleBind serves a BIND request: open a listener on the client's
// behalf, tell the client where it listens, wait for exactly one
// inbound connection, tell the client who connected, then relay.
//
// RFC 1928 sends two replies on success. The first carries the
// listener's address so the client can pass it to the remote peer
// (an FTP PORT command is the classic carrier); the second carries the
// connecting peer's address once the listener accepts.
func (h *Server) handleBind(ctx context.Context, conn *bufferedConn, sess *session, req statute.Request) error {
	ln, err := h.listen(ctx, "tcp", h.bindAddr())
	if err != nil {
		if werr := writeReply(conn, statute.ReplyGeneralFailure, statute.Address{}); werr != nil {
			return fmt.Errorf("write reply: %w", werr)
		}
		return abort(PhaseDispatch, statute.ReplyGeneralFailure, fmt.Errorf("bind listen: %w", err))
	}
	defer ln.Close()

	// First reply: the address the peer should connect to.
	if err := writeReply(conn, statute.ReplySucceeded, statute.AddressOf(ln.Addr())); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}

	sess.logger.Debug().Str("listener", ln.Addr().String()).
		Str("expected", req.DstAddr.String()).Msg("Bind listener open")

	// One inbound connection, abandoned if ctx goes away first.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	target, err := ln.Accept()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := statute.ReplyGeneralFailure
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			code = statute.ReplyTTLExpired
		}
		if werr := writeReply(conn, code, statute.Address{}); werr != nil {
			return fmt.Errorf("write reply: %w", werr)
		}
		return abort(PhaseDispatch, code, fmt.Errorf("bind accept: %w", err))
	}
	defer target.Close()

	// Second reply: who connected.
	if err := writeReply(conn, statute.ReplySucceeded, statute.AddressOf(target.RemoteAddr())); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}

	sess.setState(StateRelaying)
	sess.logger.Debug().Str("peer", target.RemoteAddr().String()).Msg("Bind accepted")

	return relay.PipeContext(ctx, conn, target)
}

// bindAddr is where BIND listeners bind: the configured bind IP, or
// every interface with a kernel-chosen port.
func (h *Server) bindAddr() string {
	if h.bindIP != nil {
		return net.JoinHostPort(h.bindIP.String(), "0")
	}
	return ":0"
}
