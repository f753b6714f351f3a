package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"sockslib/pkg/socks5/statute"
)

// Client drives the client half of the SOCKS5 handshake over a stream
// the caller already opened to a proxy. It holds no per-connection
// state, so one Client may serve any number of connections.
//
// Without credentials the client offers only the no-authentication
// method. With credentials it offers both, and follows whichever the
// proxy selects; a proxy that waives authentication is taken at its
// word.
type Client struct {
	username []byte
	password []byte
	logger   zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientCredentials makes the client offer username/password
// authentication alongside the no-authentication method.
func WithClientCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = []byte(username)
		c.password = []byte(password)
	}
}

// WithClientLogger sets the client's logger. The default discards
// everything.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient builds a client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect requests a CONNECT tunnel to dst and returns the proxy's
// bound address. On success conn carries the tunneled stream and the
// caller owns it; on error the stream is in an unusable state and
// should be closed.
func (c *Client) Connect(ctx context.Context, conn io.ReadWriter, dst statute.Address) (statute.Address, error) {
	stop := closeOnCancel(ctx, conn)
	defer stop()

	if err := c.negotiate(conn); err != nil {
		return statute.Address{}, ctxPreferred(ctx, err)
	}
	bnd, err := c.command(conn, statute.CommandConnect, dst)
	if err == nil {
		c.logger.Debug().Str("target", dst.String()).Str("bound", bnd.String()).
			Msg("Connect tunnel established")
	}
	return bnd, ctxPreferred(ctx, err)
}

// Bind requests a BIND listener for an expected inbound connection from
// dst and returns the first reply's address: where the proxy listens.
// The caller forwards that address to the remote peer, then calls
// ReadBindReply to wait for the connection.
func (c *Client) Bind(ctx context.Context, conn io.ReadWriter, dst statute.Address) (statute.Address, error) {
	stop := closeOnCancel(ctx, conn)
	defer stop()

	if err := c.negotiate(conn); err != nil {
		return statute.Address{}, ctxPreferred(ctx, err)
	}
	bnd, err := c.command(conn, statute.CommandBind, dst)
	if err == nil {
		c.logger.Debug().Str("listener", bnd.String()).Msg("Bind listener open")
	}
	return bnd, ctxPreferred(ctx, err)
}

// ReadBindReply waits for the second BIND reply and returns the address
// of the peer that connected. After it returns, conn carries the
// relayed stream.
func (c *Client) ReadBindReply(ctx context.Context, conn io.ReadWriter) (statute.Address, error) {
	stop := closeOnCancel(ctx, conn)
	defer stop()

	peer, err := c.readReply(conn)
	return peer, ctxPreferred(ctx, err)
}

// Associate requests a UDP association and returns the relay address
// datagrams must be sent to. hint is the endpoint the client expects to
// send from; the zero Address means unknown. The association lasts
// until conn closes, so the caller must hold conn open while using the
// relay. Proxies commonly answer with an unspecified IP, which means
// "same host you dialed".
func (c *Client) Associate(ctx context.Context, conn io.ReadWriter, hint statute.Address) (statute.Address, error) {
	stop := closeOnCancel(ctx, conn)
	defer stop()

	if err := c.negotiate(conn); err != nil {
		return statute.Address{}, ctxPreferred(ctx, err)
	}
	bnd, err := c.command(conn, statute.CommandAssociate, hint)
	if err == nil {
		c.logger.Debug().Str("relay", bnd.String()).Msg("UDP association open")
	}
	return bnd, ctxPreferred(ctx, err)
}

// negotiate runs method selection and whatever sub-negotiation the
// server picks.
func (c *Client) negotiate(conn io.ReadWriter) error {
	methods := []byte{statute.MethodNoAuth}
	if len(c.username) > 0 {
		methods = append(methods, statute.MethodUserPass)
	}

	if _, err := conn.Write(statute.NewMethodRequest(methods...).Bytes()); err != nil {
		return fmt.Errorf("write method request: %w", err)
	}

	reply, err := statute.ParseMethodReply(conn)
	if err != nil {
		if errors.Is(err, statute.ErrBadVersion) {
			return abort(PhaseNegotiation, statute.ReplyGeneralFailure, err)
		}
		return fmt.Errorf("read method reply: %w", err)
	}

	switch reply.Method {
	case statute.MethodNoAuth:
		return nil
	case statute.MethodUserPass:
		if len(c.username) == 0 {
			return abort(PhaseNegotiation, statute.ReplyGeneralFailure, ErrMethodMismatch)
		}
		return c.authenticate(conn)
	case statute.MethodNoAcceptable:
		return abort(PhaseNegotiation, statute.ReplyGeneralFailure, ErrNoAcceptableMethod)
	default:
		return abort(PhaseNegotiation, statute.ReplyGeneralFailure,
			fmt.Errorf("%w: %#02x", ErrMethodMismatch, reply.Method))
	}
}

func (c *Client) authenticate(conn io.ReadWriter) error {
	req, err := statute.NewUserPassRequest(c.username, c.password).Bytes()
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	reply, err := statute.ParseUserPassReply(conn)
	if err != nil {
		if errors.Is(err, statute.ErrBadUserPassVersion) {
			return abort(PhaseAuthentication, statute.ReplyGeneralFailure, err)
		}
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Status != statute.AuthSucceeded {
		return abort(PhaseAuthentication, statute.ReplyNotAllowed,
			fmt.Errorf("%w: status %#02x", ErrAuthFailed, reply.Status))
	}
	return nil
}

// command sends one request and consumes its reply.
func (c *Client) command(conn io.ReadWriter, cmd statute.Command, dst statute.Address) (statute.Address, error) {
	req := statute.Request{Version: statute.Version5, Command: cmd, DstAddr: dst}
	b, err := req.Bytes()
	if err != nil {
		return statute.Address{}, fmt.Errorf("encode %v request: %w", cmd, err)
	}
	if _, err := conn.Write(b); err != nil {
		return statute.Address{}, fmt.Errorf("write %v request: %w", cmd, err)
	}
	return c.readReply(conn)
}

func (c *Client) readReply(conn io.Reader) (statute.Address, error) {
	reply, err := statute.ParseReply(conn)
	if err != nil {
		if errors.Is(err, statute.ErrBadVersion) || errors.Is(err, statute.ErrAddressType) {
			return statute.Address{}, abort(PhaseCommand, statute.ReplyGeneralFailure, err)
		}
		return statute.Address{}, fmt.Errorf("read reply: %w", err)
	}
	if reply.Code != statute.ReplySucceeded {
		return statute.Address{}, abort(PhaseCommand, reply.Code,
			fmt.Errorf("proxy refused request: %v", reply.Code))
	}
	return reply.BndAddr, nil
}

// closeOnCancel arms ctx cancellation to close conn, which is the only
// way to unblock a stream read. Streams that cannot be closed are left
// to their own deadlines.
func closeOnCancel(ctx context.Context, conn io.ReadWriter) func() bool {
	closer, ok := conn.(io.Closer)
	if !ok {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() { closer.Close() })
}

// ctxPreferred reports ctx cancellation in place of the read error it
// provoked.
func ctxPreferred(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
