package socks5

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"sockslib/pkg/socks5/statute"
)

// Handshake failure sentinels. They sit behind a HandshakeError and are
// matched with errors.Is.
var (
	// ErrNoAcceptableMethod reports that method negotiation found no
	// overlap between the offered and the supported methods.
	ErrNoAcceptableMethod = errors.New("no acceptable authentication method")

	// ErrAuthFailed reports rejected credentials during the
	// username/password sub-negotiation.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrMethodMismatch reports a server that selected a method the
	// client never offered.
	ErrMethodMismatch = errors.New("server selected an unsolicited method")

	// ErrCommandNotSupported reports a request carrying an unknown or
	// disabled command byte.
	ErrCommandNotSupported = errors.New("command not supported")

	// ErrNotPermitted reports a request denied by the configured rule
	// callback.
	ErrNotPermitted = errors.New("request not permitted by ruleset")
)

// Phase identifies the handshake stage an error belongs to.
type Phase uint8

// Handshake phases, in protocol order.
const (
	PhaseNegotiation    Phase = iota + 1 // method selection
	PhaseAuthentication                  // username/password sub-negotiation
	PhaseCommand                         // command request and reply
	PhaseDispatch                        // acting on an accepted command
)

// String returns the phase name used in error messages.
func (p Phase) String() string {
	switch p {
	case PhaseNegotiation:
		return "negotiation"
	case PhaseAuthentication:
		return "authentication"
	case PhaseCommand:
		return "command"
	case PhaseDispatch:
		return "dispatch"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// HandshakeError is a classified protocol-phase failure. On the server it
// is returned only after the best protocol-conformant response has been
// written, so receiving one means the peer was told why before the
// connection closed. Transport failures, where even writing a response
// is impossible, are returned as plain wrapped I/O errors instead;
// callers separate the two cases with errors.As.
type HandshakeError struct {
	// Phase is the handshake stage that failed.
	Phase Phase

	// Code is the reply code that was sent, or would have been sent if
	// the protocol state had still permitted a reply.
	Code statute.ReplyCode

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("socks5 %s: %v", e.Phase, e.Err)
}

// Unwrap exposes the cause for errors.Is and errors.As.
func (e *HandshakeError) Unwrap() error { return e.Err }

// ReplyCode returns the classification of the failure in reply-code
// terms.
func (e *HandshakeError) ReplyCode() statute.ReplyCode { return e.Code }

// abort builds the HandshakeError surfaced after a failing phase has
// written its wire response (or established that none is possible).
func abort(phase Phase, code statute.ReplyCode, err error) *HandshakeError {
	return &HandshakeError{Phase: phase, Code: code, Err: err}
}

// replyCodeForDialError maps an outbound connection failure to the
// closest SOCKS5 reply code.
func replyCodeForDialError(err error) statute.ReplyCode {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return statute.ReplyTTLExpired
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return statute.ReplyHostUnreachable
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return statute.ReplyConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return statute.ReplyHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		return statute.ReplyNetworkUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return statute.ReplyNetworkUnreachable
	}

	return statute.ReplyGeneralFailure
}
