package statute

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		atyp byte
	}{
		{
			name: "IPv4",
			addr: Address{IP: net.IPv4(192, 0, 2, 10), Port: 8080},
			atyp: ATYPIPv4,
		},
		{
			name: "IPv6",
			addr: Address{IP: net.ParseIP("2001:db8::1"), Port: 443},
			atyp: ATYPIPv6,
		},
		{
			name: "Domain",
			addr: Address{Name: "example.com", Port: 80},
			atyp: ATYPDomain,
		},
		{
			name: "DomainMaxLength",
			addr: Address{Name: strings.Repeat("a", 255), Port: 1},
			atyp: ATYPDomain,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.addr.ATYP(); got != test.atyp {
				t.Fatalf("ATYP: expected %#02x, but got %#02x", test.atyp, got)
			}

			encoded, err := test.addr.Append(nil)
			if err != nil {
				t.Fatalf("Append: %v", err)
			}

			decoded, err := ReadAddress(bytes.NewReader(encoded))
			if err != nil {
				t.Fatalf("ReadAddress: %v", err)
			}
			if !decoded.Equal(test.addr) {
				t.Errorf("ReadAddress: expected %v, but got %v", test.addr, decoded)
			}

			decoded, n, err := DecodeAddress(encoded)
			if err != nil {
				t.Fatalf("DecodeAddress: %v", err)
			}
			if n != len(encoded) {
				t.Errorf("DecodeAddress consumed %d of %d bytes", n, len(encoded))
			}
			if !decoded.Equal(test.addr) {
				t.Errorf("DecodeAddress: expected %v, but got %v", test.addr, decoded)
			}
		})
	}
}

func TestAddressZeroValue(t *testing.T) {
	encoded, err := Address{}.Append(nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	expected := []byte{ATYPIPv4, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(encoded, expected) {
		t.Errorf("expected % x, but got % x", expected, encoded)
	}
}

func TestAddressEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want error
	}{
		{
			name: "DomainTooLong",
			addr: Address{Name: strings.Repeat("a", 256), Port: 80},
			want: ErrDomainLength,
		},
		{
			name: "MalformedIP",
			addr: Address{IP: net.IP{1, 2, 3}, Port: 80},
			want: nil, // any error accepted
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.addr.Append(nil)
			if err == nil {
				t.Fatal("expected an error, but got none")
			}
			if test.want != nil && !errors.Is(err, test.want) {
				t.Errorf("expected %v, but got %v", test.want, err)
			}
		})
	}
}

func TestDecodeAddressErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "UnknownType",
			data: []byte{0x02, 0, 0, 0, 0, 0, 0},
			want: ErrAddressType,
		},
		{
			name: "EmptyDomain",
			data: []byte{ATYPDomain, 0x00, 0, 80},
			want: ErrDomainLength,
		},
		{
			name: "TruncatedIPv4",
			data: []byte{ATYPIPv4, 192, 0, 2},
			want: io.ErrUnexpectedEOF,
		},
		{
			name: "TruncatedDomain",
			data: []byte{ATYPDomain, 5, 'a', 'b'},
			want: io.ErrUnexpectedEOF,
		},
		{
			name: "Empty",
			data: nil,
			want: io.ErrUnexpectedEOF,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := DecodeAddress(test.data)
			if !errors.Is(err, test.want) {
				t.Errorf("expected %v, but got %v", test.want, err)
			}
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Address
	}{
		{
			name:  "IPv4",
			input: "192.0.2.10:8080",
			want:  Address{IP: net.IPv4(192, 0, 2, 10), Port: 8080},
		},
		{
			name:  "IPv6",
			input: "[2001:db8::1]:443",
			want:  Address{IP: net.ParseIP("2001:db8::1"), Port: 443},
		},
		{
			name:  "Domain",
			input: "example.com:80",
			want:  Address{Name: "example.com", Port: 80},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseAddress(test.input)
			if err != nil {
				t.Fatalf("ParseAddress: %v", err)
			}
			if !got.Equal(test.want) {
				t.Errorf("expected %v, but got %v", test.want, got)
			}
			if got.String() != test.input {
				t.Errorf("String: expected %q, but got %q", test.input, got.String())
			}
		})
	}

	if _, err := ParseAddress("no-port"); err == nil {
		t.Error("expected an error for address without port")
	}
}

func TestAddressOf(t *testing.T) {
	tcp := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1080}
	if got := AddressOf(tcp); !got.Equal(Address{IP: tcp.IP, Port: 1080}) {
		t.Errorf("TCPAddr: got %v", got)
	}

	udp := &net.UDPAddr{IP: net.ParseIP("2001:db8::2"), Port: 53}
	if got := AddressOf(udp); !got.Equal(Address{IP: udp.IP, Port: 53}) {
		t.Errorf("UDPAddr: got %v", got)
	}
}
