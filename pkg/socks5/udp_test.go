package socks5

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"sockslib/pkg/socks5/statute"
)

// startUDPEcho runs a UDP echo responder on loopback.
func startUDPEcho(t *testing.T) net.Addr {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(buf[:n], from)
		}
	}()
	return pc.LocalAddr()
}

// associate opens an association by hand and returns the relay
// endpoint plus the control connection that owns it.
func associate(t *testing.T, proxyAddr string) (*net.UDPAddr, net.Conn) {
	t.Helper()

	ctrl, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctrl.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bnd, err := NewClient().Associate(ctx, ctrl, statute.Address{})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	return &net.UDPAddr{IP: bnd.IP, Port: int(bnd.Port)}, ctrl
}

func expectSilence(t *testing.T, pc net.PacketConn) {
	t.Helper()

	pc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	defer pc.SetReadDeadline(time.Time{})

	buf := make([]byte, 2048)
	n, _, err := pc.ReadFrom(buf)
	if err == nil {
		t.Fatalf("expected no datagram, got %#v", buf[:n])
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("read: %v", err)
	}
}

func TestAssociateEndToEnd(t *testing.T) {
	echoAddr := startUDPEcho(t)
	proxyAddr := startServer(t)

	d := &Dialer{ProxyAddr: proxyAddr}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := d.ListenPacket(ctx)
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()

	if _, err := pc.WriteTo([]byte("ping"), echoAddr); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, src, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("payload = %q, want %q", buf[:n], "ping")
	}
	if src.String() != echoAddr.String() {
		t.Fatalf("source = %v, want %v", src, echoAddr)
	}
}

func TestAssociateDomainTarget(t *testing.T) {
	echoAddr := startUDPEcho(t).(*net.UDPAddr)
	proxyAddr := startServer(t,
		WithResolver(staticResolver{"echo.internal": net.IPv4(127, 0, 0, 1)}),
	)

	d := &Dialer{ProxyAddr: proxyAddr}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := d.ListenPacket(ctx)
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()

	dst := statute.Address{Name: "echo.internal", Port: uint16(echoAddr.Port)}
	if _, err := pc.WriteTo([]byte("named"), dst); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "named" {
		t.Fatalf("payload = %q, want %q", buf[:n], "named")
	}
}

func TestAssociateDropsFragmented(t *testing.T) {
	echoAddr := startUDPEcho(t)
	proxyAddr := startServer(t)
	relayAddr, _ := associate(t, proxyAddr)

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	dst := statute.AddressOf(echoAddr)
	fragmented, err := statute.Datagram{Frag: 1, DstAddr: dst, Data: []byte("ping")}.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.WriteTo(fragmented, relayAddr); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, raw)

	// Same sender, unfragmented: relayed fine, so the drop above was
	// the fragment check.
	whole, err := statute.Datagram{DstAddr: dst, Data: []byte("ping")}.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.WriteTo(whole, relayAddr); err != nil {
		t.Fatal(err)
	}

	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := raw.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	dg, err := statute.ParseDatagram(buf[:n])
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if string(dg.Data) != "ping" {
		t.Fatalf("payload = %q, want %q", dg.Data, "ping")
	}
}

func TestAssociateDropsForeignSender(t *testing.T) {
	echoAddr := startUDPEcho(t)
	proxyAddr := startServer(t)
	relayAddr, _ := associate(t, proxyAddr)

	pinned, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pinned.Close()

	dst := statute.AddressOf(echoAddr)
	pkt, err := statute.Datagram{DstAddr: dst, Data: []byte("mine")}.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pinned.WriteTo(pkt, relayAddr); err != nil {
		t.Fatal(err)
	}

	pinned.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	if _, _, err := pinned.ReadFrom(buf); err != nil {
		t.Fatalf("pinned sender got no echo: %v", err)
	}
	pinned.SetReadDeadline(time.Time{})

	// A second socket from the same host is a different endpoint and
	// must be ignored once the first sender is pinned.
	foreign, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer foreign.Close()

	if _, err := foreign.WriteTo(pkt, relayAddr); err != nil {
		t.Fatal(err)
	}
	expectSilence(t, foreign)
}

func TestAssociateEndsWithControlStream(t *testing.T) {
	echoAddr := startUDPEcho(t)
	proxyAddr := startServer(t)
	relayAddr, ctrl := associate(t, proxyAddr)

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	dst := statute.AddressOf(echoAddr)
	pkt, err := statute.Datagram{DstAddr: dst, Data: []byte("alive")}.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.WriteTo(pkt, relayAddr); err != nil {
		t.Fatal(err)
	}
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	if _, _, err := raw.ReadFrom(buf); err != nil {
		t.Fatalf("echo before close: %v", err)
	}
	raw.SetReadDeadline(time.Time{})

	// Closing the control stream tears the relay down.
	ctrl.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := raw.WriteTo(pkt, relayAddr); err != nil {
			t.Fatal(err)
		}
		raw.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, _, err := raw.ReadFrom(buf); err != nil {
			break // relay gone
		}
		if time.Now().After(deadline) {
			t.Fatal("relay still answering after control close")
		}
	}
}
