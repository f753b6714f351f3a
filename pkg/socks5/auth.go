package socks5

import (
	"context"
	"fmt"
	"io"

	"sockslib/pkg/socks5/statute"
)

// Authenticator runs the server side of one authentication method's
// sub-negotiation. The method selection reply has already been written
// when Authenticate is called; the stream is positioned at the first
// byte of the method-specific exchange.
type Authenticator interface {
	// Method returns the RFC 1928 method identifier this authenticator
	// negotiates.
	Method() byte

	// Authenticate drives the sub-negotiation on conn. A rejection
	// writes the method's failure status before returning an error
	// wrapping ErrAuthFailed, so the peer always learns the outcome.
	Authenticate(ctx context.Context, conn io.ReadWriter) error
}

// NoAuthAuthenticator accepts every connection without a
// sub-negotiation. It is the default when a server is built with no
// explicit authenticators.
type NoAuthAuthenticator struct{}

// Method implements Authenticator.
func (NoAuthAuthenticator) Method() byte { return statute.MethodNoAuth }

// Authenticate implements Authenticator. No bytes are exchanged.
func (NoAuthAuthenticator) Authenticate(context.Context, io.ReadWriter) error { return nil }

// UserPassAuthenticator negotiates RFC 1929 username/password
// authentication against a CredentialStore.
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// Method implements Authenticator.
func (a UserPassAuthenticator) Method() byte { return statute.MethodUserPass }

// Authenticate implements Authenticator. It reads one credential frame
// and answers with the verdict. Malformed frames are answered with the
// failure status too, since RFC 1929 has no richer signal.
func (a UserPassAuthenticator) Authenticate(_ context.Context, conn io.ReadWriter) error {
	req, err := statute.ParseUserPassRequest(conn)
	if err != nil {
		if werr := writeUserPassStatus(conn, statute.AuthFailed); werr != nil {
			return fmt.Errorf("write auth status: %w", werr)
		}
		return fmt.Errorf("read credentials: %w", err)
	}

	if a.Credentials == nil || !a.Credentials.Valid(req.Username, req.Password) {
		if werr := writeUserPassStatus(conn, statute.AuthFailed); werr != nil {
			return fmt.Errorf("write auth status: %w", werr)
		}
		return fmt.Errorf("%w: user %q", ErrAuthFailed, req.Username)
	}

	return writeUserPassStatus(conn, statute.AuthSucceeded)
}

func writeUserPassStatus(w io.Writer, status byte) error {
	reply := statute.UserPassReply{Version: statute.UserPassVersion, Status: status}
	_, err := w.Write(reply.Bytes())
	return err
}
