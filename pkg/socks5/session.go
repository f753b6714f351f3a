package socks5

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sockslib/pkg/socks5/statute"
)

// SessionState tracks where a client connection is in its lifecycle.
type SessionState int

// Session lifecycle states, in the order a connection moves through
// them. Failed handshakes go straight to StateClosed from wherever they
// were.
const (
	StateNegotiating SessionState = iota
	StateAuthenticating
	StateAwaitingCommand
	StateDispatching
	StateRelaying
	StateRelayingUDP
	StateClosed
)

// String returns the state name shown to operators.
func (s SessionState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateAwaitingCommand:
		return "awaiting command"
	case StateDispatching:
		return "dispatching"
	case StateRelaying:
		return "relaying"
	case StateRelayingUDP:
		return "relaying udp"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a point-in-time view of one client connection, for
// operator tooling. Command and Target stay zero until the command
// phase has parsed the request.
type Session struct {
	ID        uuid.UUID
	Client    string
	State     SessionState
	Command   statute.Command
	Target    string
	CreatedAt time.Time
}

// session is the tracked connection behind a Session snapshot. State
// transitions happen on the handshake goroutine while snapshots are
// taken from operator goroutines, hence the lock.
type session struct {
	id      uuid.UUID
	client  string
	created time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	state   SessionState
	command statute.Command
	target  string
}

func (s *Server) newSession(conn net.Conn) *session {
	id := uuid.New()
	client := ""
	if addr := conn.RemoteAddr(); addr != nil {
		client = addr.String()
	}

	sess := &session{
		id:      id,
		client:  client,
		created: time.Now(),
		logger:  s.logger.With().Stringer("session", id).Str("client", client).Logger(),
	}
	s.sessions.Store(id, sess)
	return sess
}

func (s *Server) dropSession(sess *session) {
	sess.setState(StateClosed)
	s.sessions.Delete(sess.id)
}

// Sessions returns a snapshot of the connections currently being
// served, ordered arbitrarily.
func (s *Server) Sessions() []Session {
	var out []Session
	s.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*session).view())
		return true
	})
	return out
}

func (c *session) view() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		ID:        c.id,
		Client:    c.client,
		State:     c.state,
		Command:   c.command,
		Target:    c.target,
		CreatedAt: c.created,
	}
}

func (c *session) setState(state SessionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *session) setRequest(cmd statute.Command, target string) {
	c.mu.Lock()
	c.command = cmd
	c.target = target
	c.mu.Unlock()
}
