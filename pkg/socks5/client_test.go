package socks5

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"sockslib/pkg/socks5/statute"
)

type connectResult struct {
	bnd statute.Address
	err error
}

// startConnect runs a client CONNECT on a pipe and hands the test the
// server side to script.
func startConnect(t *testing.T, cli *Client, dst statute.Address) (net.Conn, <-chan connectResult) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})

	res := make(chan connectResult, 1)
	go func() {
		bnd, err := cli.Connect(context.Background(), clientSide, dst)
		res <- connectResult{bnd, err}
	}()
	return serverSide, res
}

func TestClientConnect(t *testing.T) {
	dst := statute.Address{IP: net.IPv4(93, 184, 216, 34), Port: 80}
	server, res := startConnect(t, NewClient(), dst)

	expectBytes(t, server, []byte{0x05, 0x01, 0x00})
	mustWrite(t, server, []byte{0x05, 0x00})

	expectBytes(t, server, []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50})
	mustWrite(t, server, []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x2A})

	r := <-res
	if r.err != nil {
		t.Fatalf("Connect: %v", r.err)
	}
	want := statute.Address{IP: net.IPv4(127, 0, 0, 1), Port: 42}
	if !r.bnd.Equal(want) {
		t.Fatalf("bound = %v, want %v", r.bnd, want)
	}
}

func TestClientConnectWithAuth(t *testing.T) {
	cli := NewClient(WithClientCredentials("john", "secret"))
	dst := statute.Address{Name: "files.internal", Port: 443}
	server, res := startConnect(t, cli, dst)

	// With credentials both methods are offered.
	expectBytes(t, server, []byte{0x05, 0x02, 0x00, 0x02})
	mustWrite(t, server, []byte{0x05, 0x02})

	auth := []byte{0x01, 0x04}
	auth = append(auth, "john"...)
	auth = append(auth, 0x06)
	auth = append(auth, "secret"...)
	expectBytes(t, server, auth)
	mustWrite(t, server, []byte{0x01, 0x00})

	req := []byte{0x05, 0x01, 0x00, 0x03, 14}
	req = append(req, "files.internal"...)
	req = append(req, 0x01, 0xBB)
	expectBytes(t, server, req)
	mustWrite(t, server, []byte{0x05, 0x00, 0x00, 0x01, 10, 0, 0, 7, 0x04, 0x00})

	r := <-res
	if r.err != nil {
		t.Fatalf("Connect: %v", r.err)
	}
	want := statute.Address{IP: net.IPv4(10, 0, 0, 7), Port: 1024}
	if !r.bnd.Equal(want) {
		t.Fatalf("bound = %v, want %v", r.bnd, want)
	}
}

func TestClientProceedsWhenServerWaivesAuth(t *testing.T) {
	cli := NewClient(WithClientCredentials("john", "secret"))
	server, res := startConnect(t, cli, statute.Address{IP: net.IPv4(10, 0, 0, 1), Port: 80})

	expectBytes(t, server, []byte{0x05, 0x02, 0x00, 0x02})
	mustWrite(t, server, []byte{0x05, 0x00}) // no auth needed after all

	// Straight to the request, no sub-negotiation.
	expectBytes(t, server, []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	mustWrite(t, server, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	if r := <-res; r.err != nil {
		t.Fatalf("Connect: %v", r.err)
	}
}

func TestClientAuthRejected(t *testing.T) {
	cli := NewClient(WithClientCredentials("john", "wrong"))
	server, res := startConnect(t, cli, statute.Address{IP: net.IPv4(10, 0, 0, 1), Port: 80})

	expectBytes(t, server, []byte{0x05, 0x02, 0x00, 0x02})
	mustWrite(t, server, []byte{0x05, 0x02})

	auth := []byte{0x01, 0x04}
	auth = append(auth, "john"...)
	auth = append(auth, 0x05)
	auth = append(auth, "wrong"...)
	expectBytes(t, server, auth)
	mustWrite(t, server, []byte{0x01, 0x01})

	r := <-res
	if !errors.Is(r.err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", r.err)
	}
	var hs *HandshakeError
	if !errors.As(r.err, &hs) || hs.Code != statute.ReplyNotAllowed {
		t.Fatalf("err = %#v, want not-allowed HandshakeError", r.err)
	}
}

func TestClientNoAcceptableMethod(t *testing.T) {
	server, res := startConnect(t, NewClient(), statute.Address{IP: net.IPv4(10, 0, 0, 1), Port: 80})

	expectBytes(t, server, []byte{0x05, 0x01, 0x00})
	mustWrite(t, server, []byte{0x05, 0xFF})

	r := <-res
	if !errors.Is(r.err, ErrNoAcceptableMethod) {
		t.Fatalf("err = %v, want ErrNoAcceptableMethod", r.err)
	}

	// The client must stop: no auth attempt, no request.
	server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var b [1]byte
	if n, err := server.Read(b[:]); err == nil {
		t.Fatalf("client kept talking after rejection: %#v", b[:n])
	}
}

func TestClientMethodMismatch(t *testing.T) {
	// No credentials offered, yet the server picks username/password.
	server, res := startConnect(t, NewClient(), statute.Address{IP: net.IPv4(10, 0, 0, 1), Port: 80})

	expectBytes(t, server, []byte{0x05, 0x01, 0x00})
	mustWrite(t, server, []byte{0x05, 0x02})

	if r := <-res; !errors.Is(r.err, ErrMethodMismatch) {
		t.Fatalf("err = %v, want ErrMethodMismatch", r.err)
	}
}

func TestClientRefusedReply(t *testing.T) {
	server, res := startConnect(t, NewClient(), statute.Address{IP: net.IPv4(10, 0, 0, 1), Port: 80})

	expectBytes(t, server, []byte{0x05, 0x01, 0x00})
	mustWrite(t, server, []byte{0x05, 0x00})
	expectBytes(t, server, []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})
	mustWrite(t, server, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	r := <-res
	var hs *HandshakeError
	if !errors.As(r.err, &hs) {
		t.Fatalf("err = %v, want HandshakeError", r.err)
	}
	if hs.Phase != PhaseCommand || hs.ReplyCode() != statute.ReplyConnectionRefused {
		t.Fatalf("got phase %v code %v, want command/connection refused", hs.Phase, hs.Code)
	}
}

func TestClientBindSequence(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})

	cli := NewClient()
	res := make(chan connectResult, 1)
	go func() {
		bnd, err := cli.Bind(context.Background(), clientSide, statute.Address{IP: net.IPv4(203, 0, 113, 5), Port: 21})
		res <- connectResult{bnd, err}
	}()

	expectBytes(t, serverSide, []byte{0x05, 0x01, 0x00})
	mustWrite(t, serverSide, []byte{0x05, 0x00})
	expectBytes(t, serverSide, []byte{0x05, 0x02, 0x00, 0x01, 203, 0, 113, 5, 0x00, 0x15})
	mustWrite(t, serverSide, []byte{0x05, 0x00, 0x00, 0x01, 198, 51, 100, 1, 0x04, 0x38})

	r := <-res
	if r.err != nil {
		t.Fatalf("Bind: %v", r.err)
	}
	if want := (statute.Address{IP: net.IPv4(198, 51, 100, 1), Port: 1080}); !r.bnd.Equal(want) {
		t.Fatalf("first reply = %v, want %v", r.bnd, want)
	}

	go func() {
		peer, err := cli.ReadBindReply(context.Background(), clientSide)
		res <- connectResult{peer, err}
	}()
	mustWrite(t, serverSide, []byte{0x05, 0x00, 0x00, 0x01, 203, 0, 113, 5, 0xD4, 0x31})

	r = <-res
	if r.err != nil {
		t.Fatalf("ReadBindReply: %v", r.err)
	}
	if want := (statute.Address{IP: net.IPv4(203, 0, 113, 5), Port: 54321}); !r.bnd.Equal(want) {
		t.Fatalf("second reply = %v, want %v", r.bnd, want)
	}
}

func TestClientContextCancel(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan connectResult, 1)
	go func() {
		bnd, err := NewClient().Connect(ctx, clientSide, statute.Address{IP: net.IPv4(10, 0, 0, 1), Port: 80})
		res <- connectResult{bnd, err}
	}()

	// Leave the client blocked on the method reply, then cancel.
	expectBytes(t, serverSide, []byte{0x05, 0x01, 0x00})
	cancel()

	select {
	case r := <-res:
		if !errors.Is(r.err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after cancellation")
	}
}
