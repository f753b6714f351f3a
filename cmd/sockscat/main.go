// Package main implements a netcat-style SOCKS5 client: it opens one
// connection (or UDP association) to a target through a proxy and
// splices it to stdin/stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sockslib/pkg/relay"
	"sockslib/pkg/socks5"
	"sockslib/pkg/socks5/statute"
)

// Exit codes.
const (
	Success        = 0 // clean EOF on either side
	ErrInterrupted = 1 // canceled by signal
	ErrBadUsage    = 2 // missing or malformed arguments
	ErrProxy       = 3 // proxy rejected the request
	ErrTransport   = 4 // network failure before or during the relay
)

// Command line flags.
var (
	proxyAddr = flag.String("proxy", "127.0.0.1:1080", "proxy address (host:port)")
	username  = flag.String("user", "", "username for proxy authentication")
	password  = flag.String("pass", "", "password for proxy authentication")
	useUDP    = flag.Bool("udp", false, "relay UDP datagrams instead of a TCP stream")
)

// stdio joins stdin and stdout into the stream pair the relay expects.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// CloseRead unblocks a pending stdin read during relay teardown.
func (stdio) CloseRead() error { return os.Stdin.Close() }

// CloseWrite propagates the remote end's EOF to whatever consumes our
// output.
func (stdio) CloseWrite() error { return os.Stdout.Close() }

// Close releases both halves; the relay falls back to it on
// cancellation.
func (stdio) Close() error {
	os.Stdin.Close()
	return os.Stdout.Close()
}

// init configures logging with zerolog
// Sets up console output on stderr so stdout stays clean for the relay
func init() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Use a more human-friendly output for console
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// main is the entry point for the client process
// Handles command-line flags, signal management, and the relay lifecycle
func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] host:port\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(ErrBadUsage)
	}

	// Create context that can be cancelled with CTRL+C
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT (CTRL+C) and SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	os.Exit(run(ctx, flag.Arg(0)))
}

// run opens the tunnel and splices it to the terminal, translating the
// outcome into an exit code.
func run(ctx context.Context, target string) int {
	dialer := &socks5.Dialer{ProxyAddr: *proxyAddr}
	if *username != "" {
		dialer.Client = socks5.NewClient(
			socks5.WithClientCredentials(*username, *password))
	}

	var err error
	if *useUDP {
		err = relayUDP(ctx, dialer, target)
	} else {
		err = relayTCP(ctx, dialer, target)
	}

	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled):
		return ErrInterrupted
	default:
		// A handshake error means the proxy answered and said no; any
		// other error means the wire itself broke.
		var hs *socks5.HandshakeError
		if errors.As(err, &hs) {
			log.Error().Err(hs.Err).Stringer("reply", hs.ReplyCode()).
				Msg("Proxy rejected the request")
			return ErrProxy
		}
		log.Error().Err(err).Msg("Relay failed")
		return ErrTransport
	}
}

// relayTCP opens a CONNECT tunnel to target and pipes it to the
// terminal until either side hangs up.
func relayTCP(ctx context.Context, dialer *socks5.Dialer, target string) error {
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Str("target", target).Str("proxy", *proxyAddr).Msg("Tunnel established")
	return relay.PipeContext(ctx, stdio{}, conn)
}

// relayUDP opens a UDP association and exchanges datagrams with
// target: every stdin read becomes one datagram, every received
// datagram is printed whole.
func relayUDP(ctx context.Context, dialer *socks5.Dialer, target string) error {
	dst, err := statute.ParseAddress(target)
	if err != nil {
		return fmt.Errorf("parse target %q: %w", target, err)
	}

	pc, err := dialer.ListenPacket(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()

	// Canceling ctx must unblock both the socket and the stdin read.
	stop := context.AfterFunc(ctx, func() {
		pc.Close()
		os.Stdin.Close()
	})
	defer stop()

	log.Info().Str("target", target).Str("proxy", *proxyAddr).Msg("UDP association established")

	go func() {
		buf := make([]byte, statute.MaxUDPPacketSize)
		for {
			n, _, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			os.Stdout.Write(buf[:n])
		}
	}()

	buf := make([]byte, statute.MaxUDPPacketSize)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := pc.WriteTo(buf[:n], dst); werr != nil {
				return werr
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
