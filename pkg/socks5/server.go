// Package socks5 implements the SOCKS5 proxy protocol defined in RFC
// 1928 and RFC 1929: a server that negotiates, authenticates, and
// dispatches CONNECT, BIND, and UDP ASSOCIATE requests, and a client
// that drives the same handshake against an upstream proxy.
//
// The wire format lives in the statute subpackage; this package owns
// the protocol state machines on both ends and the relays that follow
// a successful handshake.
package socks5

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"sockslib/pkg/relay"
	"sockslib/pkg/resolve"
	"sockslib/pkg/socks5/statute"
)

// Server accepts SOCKS5 client connections and serves their requests.
// The zero value is not usable; construct with New.
type Server struct {
	authenticators []Authenticator
	dial           DialFunc
	listen         ListenFunc
	resolver       resolve.Resolver
	rules          RuleFunc
	fallback       FallbackFunc
	bindIP         net.IP
	logger         zerolog.Logger

	sessions sync.Map // uuid.UUID -> *session
}

// New builds a server. Without options it accepts unauthenticated
// clients, dials targets directly, and logs nothing.
func New(opts ...Option) *Server {
	s := &Server{
		dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		listen: func(ctx context.Context, network, addr string) (net.Listener, error) {
			var lc net.ListenConfig
			return lc.Listen(ctx, network, addr)
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.authenticators) == 0 {
		s.authenticators = []Authenticator{NoAuthAuthenticator{}}
	}
	return s
}

// ListenAndServe listens on addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := s.listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln and serves each on its own
// goroutine until ctx is canceled. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	// Canceling ctx must unblock Accept.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger.Warn().Err(err).Msg("Accept failed, retrying")
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		go func() {
			if err := s.ServeConn(ctx, conn); err != nil && !relay.IsBenign(err) {
				s.logger.Debug().Err(err).
					Str("client", conn.RemoteAddr().String()).
					Msg("Connection finished with error")
			}
		}()
	}
}

// ServeConn drives one client connection through the SOCKS5 handshake
// and, when the handshake succeeds, the relay that follows it. The
// connection is always closed on return. Handshake failures are
// answered on the wire before being returned, so the error describes
// what the peer was told.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	// Canceling ctx must unblock any pending read or write.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sess := s.newSession(conn)
	defer s.dropSession(sess)

	err := s.handle(ctx, newBufferedConn(conn), sess)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server) handle(ctx context.Context, conn *bufferedConn, sess *session) error {
	if s.fallback != nil {
		first, err := conn.Peek(1)
		if err != nil {
			return fmt.Errorf("peek version: %w", err)
		}
		if first[0] != statute.Version5 {
			sess.logger.Debug().Msg("Handing off non-SOCKS5 connection")
			return s.fallback(ctx, conn)
		}
	}

	auth, err := s.negotiate(conn, sess)
	if err != nil {
		return err
	}

	if auth.Method() != statute.MethodNoAuth {
		sess.setState(StateAuthenticating)
		if err := auth.Authenticate(ctx, conn); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				sess.logger.Debug().Err(err).Msg("Authentication rejected")
				return abort(PhaseAuthentication, statute.ReplyNotAllowed, err)
			}
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	sess.setState(StateAwaitingCommand)
	req, err := s.readRequest(conn)
	if err != nil {
		return err
	}

	sess.setRequest(req.Command, req.DstAddr.String())
	sess.setState(StateDispatching)

	if s.rules != nil && !s.rules(ctx, &req, conn.RemoteAddr()) {
		if err := writeReply(conn, statute.ReplyNotAllowed, statute.Address{}); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
		sess.logger.Debug().Stringer("command", req.Command).
			Str("target", req.DstAddr.String()).Msg("Request denied by ruleset")
		return abort(PhaseCommand, statute.ReplyNotAllowed, ErrNotPermitted)
	}

	switch req.Command {
	case statute.CommandConnect:
		return s.handleConnect(ctx, conn, sess, req)
	case statute.CommandBind:
		return s.handleBind(ctx, conn, sess, req)
	case statute.CommandAssociate:
		return s.handleAssociate(ctx, conn, sess, req)
	default:
		if err := writeReply(conn, statute.ReplyCommandNotSupported, statute.Address{}); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
		return abort(PhaseCommand, statute.ReplyCommandNotSupported,
			fmt.Errorf("%w: %v", ErrCommandNotSupported, req.Command))
	}
}

// negotiate runs the method selection phase and returns the chosen
// authenticator. The selection reply, including the no-acceptable
// rejection, is written here so the phase has exactly one writer.
func (s *Server) negotiate(conn io.ReadWriter, sess *session) (Authenticator, error) {
	req, err := statute.ParseMethodRequest(conn)
	if err != nil {
		if errors.Is(err, statute.ErrBadVersion) || errors.Is(err, statute.ErrNoMethods) {
			// Not a SOCKS5 opening; no reply can be framed.
			return nil, abort(PhaseNegotiation, statute.ReplyGeneralFailure, err)
		}
		return nil, fmt.Errorf("read method request: %w", err)
	}

	for _, auth := range s.authenticators {
		for _, offered := range req.Methods {
			if auth.Method() != offered {
				continue
			}
			reply := statute.MethodReply{Version: statute.Version5, Method: auth.Method()}
			if _, err := conn.Write(reply.Bytes()); err != nil {
				return nil, fmt.Errorf("write method reply: %w", err)
			}
			return auth, nil
		}
	}

	reply := statute.MethodReply{Version: statute.Version5, Method: statute.MethodNoAcceptable}
	if _, err := conn.Write(reply.Bytes()); err != nil {
		return nil, fmt.Errorf("write method reply: %w", err)
	}
	sess.logger.Debug().Msg("No acceptable authentication method")
	return nil, abort(PhaseNegotiation, statute.ReplyNotAllowed, ErrNoAcceptableMethod)
}

// readRequest reads the command request, answering malformed addresses
// with the reply code that names the problem.
func (s *Server) readRequest(conn io.ReadWriter) (statute.Request, error) {
	req, err := statute.ParseRequest(conn)
	if err != nil {
		switch {
		case errors.Is(err, statute.ErrAddressType), errors.Is(err, statute.ErrDomainLength):
			if werr := writeReply(conn, statute.ReplyAddressNotSupported, statute.Address{}); werr != nil {
				return statute.Request{}, fmt.Errorf("write reply: %w", werr)
			}
			return statute.Request{}, abort(PhaseCommand, statute.ReplyAddressNotSupported, err)
		case errors.Is(err, statute.ErrBadVersion):
			// Stream is out of sync; answering would feed garbage.
			return statute.Request{}, abort(PhaseCommand, statute.ReplyGeneralFailure, err)
		default:
			return statute.Request{}, fmt.Errorf("read request: %w", err)
		}
	}
	return req, nil
}

// writeReply sends one command reply as a single write, so a reply is
// never left half-written on the wire.
func writeReply(w io.Writer, code statute.ReplyCode, bnd statute.Address) error {
	b, err := statute.NewReply(code, bnd).Bytes()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// bufferedConn is a net.Conn whose reads go through a bufio.Reader, so
// the handshake can peek at the version byte and batch its many small
// field reads. Half-close calls forward to the underlying connection
// when it supports them.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(conn net.Conn) *bufferedConn {
	return &bufferedConn{Conn: conn, r: bufio.NewReader(conn)}
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bufferedConn) Peek(n int) ([]byte, error) { return c.r.Peek(n) }

func (c *bufferedConn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
