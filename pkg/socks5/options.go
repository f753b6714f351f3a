package socks5

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"sockslib/pkg/resolve"
	"sockslib/pkg/socks5/statute"
)

// DialFunc opens the outbound connection for a CONNECT request.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ListenFunc opens the listener backing a BIND request.
type ListenFunc func(ctx context.Context, network, addr string) (net.Listener, error)

// RuleFunc decides whether a parsed request from client may proceed.
// Returning false answers the request with a not-allowed reply.
type RuleFunc func(ctx context.Context, req *statute.Request, client net.Addr) bool

// FallbackFunc handles a connection whose first byte is not the SOCKS5
// version. The stream is handed over intact, peeked byte included.
type FallbackFunc func(ctx context.Context, conn net.Conn) error

// Option configures a Server.
type Option func(*Server)

// WithAuthenticators sets the authentication methods the server offers,
// in preference order. Without this option (or WithCredentials) the
// server accepts every client unauthenticated.
func WithAuthenticators(auths ...Authenticator) Option {
	return func(s *Server) {
		s.authenticators = auths
	}
}

// WithCredentials is shorthand for requiring username/password
// authentication against store. It replaces any previously configured
// authenticators.
func WithCredentials(store CredentialStore) Option {
	return func(s *Server) {
		s.authenticators = []Authenticator{UserPassAuthenticator{Credentials: store}}
	}
}

// WithDial sets how CONNECT requests reach their targets. Tests inject
// in-memory pipes here; deployments can route through another proxy.
func WithDial(dial DialFunc) Option {
	return func(s *Server) {
		s.dial = dial
	}
}

// WithListen sets how BIND requests open their listeners.
func WithListen(listen ListenFunc) Option {
	return func(s *Server) {
		s.listen = listen
	}
}

// WithResolver makes the server resolve domain targets itself before
// dialing, instead of leaving resolution to the dial function. UDP
// relays always need one to forward domain-addressed datagrams.
func WithResolver(r resolve.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithRules installs a per-request permit callback, consulted after the
// command is parsed and before it is dispatched.
func WithRules(rules RuleFunc) Option {
	return func(s *Server) {
		s.rules = rules
	}
}

// WithLogger sets the server's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBindIP sets the address BIND listeners and UDP relay sockets bind
// to. Without it the server uses the interface the client connected on.
func WithBindIP(ip net.IP) Option {
	return func(s *Server) {
		s.bindIP = ip
	}
}

// WithFallback hands connections that do not open with the SOCKS5
// version byte to another handler, letting one listener serve SOCKS5
// alongside a second protocol.
func WithFallback(fallback FallbackFunc) Option {
	return func(s *Server) {
		s.fallback = fallback
	}
}
