package socks5

import (
	"context"
	"fmt"

	"sockslib/pkg/relay"
	"sockslib/pkg/socks5/statute"
)

// handleConnect serves a CONNECT request: dial the target, report the
// locally bound address, then relay bytes both ways until one side
// closes. Dial failures are answered with the reply code closest to
// the network error before the connection is torn down.
func (h *Server) handleConnect(ctx context.Context, conn *bufferedConn, sess *session, req statute.Request) error {
	dst := req.DstAddr

	// With a resolver configured, domain targets are resolved here so
	// DNS policy stays under the server's control rather than the dial
	// function's.
	if dst.Name != "" && h.resolver != nil {
		ip, err := h.resolver.Resolve(ctx, dst.Name)
		if err != nil {
			if werr := writeReply(conn, statute.ReplyHostUnreachable, statute.Address{}); werr != nil {
				return fmt.Errorf("write reply: %w", werr)
			}
			return abort(PhaseDispatch, statute.ReplyHostUnreachable,
				fmt.Errorf("resolve %s: %w", dst.Name, err))
		}
		dst = statute.Address{IP: ip, Port: dst.Port}
	}

	target, err := h.dial(ctx, "tcp", dst.String())
	if err != nil {
		code := replyCodeForDialError(err)
		if werr := writeReply(conn, code, statute.Address{}); werr != nil {
			return fmt.Errorf("write reply: %w", werr)
		}
		sess.logger.Debug().Err(err).Str("target", dst.String()).
			Stringer("reply", code).Msg("Connect failed")
		return abort(PhaseDispatch, code, fmt.Errorf("dial %s: %w", dst, err))
	}
	defer target.Close()

	if err := writeReply(conn, statute.ReplySucceeded, statute.AddressOf(target.LocalAddr())); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}

	sess.setState(StateRelaying)
	sess.logger.Debug().Str("target", dst.String()).Msg("Connect established")

	return relay.PipeContext(ctx, conn, target)
}
