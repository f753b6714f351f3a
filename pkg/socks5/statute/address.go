package statute

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Address codec errors.
var (
	// ErrAddressType reports an unknown ATYP byte. Servers answer it
	// with an address-type-not-supported reply.
	ErrAddressType = errors.New("unsupported address type")

	// ErrDomainLength reports a domain name that cannot be encoded
	// because it is empty or longer than 255 bytes. This is a caller
	// error, not a protocol error.
	ErrDomainLength = errors.New("domain name length not in 1..255")
)

// Address is a SOCKS5 network address: an IPv4 address, an IPv6 address,
// or a domain name, always paired with a port. At most one of IP and
// Name is set; the zero value encodes as IPv4 0.0.0.0:0, the form used
// in error replies.
//
// On the wire an address is encoded as:
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
type Address struct {
	Name string // Domain name; empty when IP is set
	IP   net.IP // IPv4 or IPv6 address; nil for domain names
	Port uint16 // Port in host byte order
}

// ATYP returns the address type byte this address encodes to.
func (a Address) ATYP() byte {
	if a.Name != "" {
		return ATYPDomain
	}
	if a.IP == nil || a.IP.To4() != nil {
		return ATYPIPv4
	}
	return ATYPIPv6
}

// Network returns "socks5", making Address usable as a net.Addr.
func (a Address) Network() string { return "socks5" }

// String formats the address as host:port.
func (a Address) String() string {
	host := a.Name
	if a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// Equal reports whether two addresses refer to the same endpoint. IPv4
// addresses compare equal regardless of their 4-byte or 16-byte form.
func (a Address) Equal(b Address) bool {
	return a.Name == b.Name && a.IP.Equal(b.IP) && a.Port == b.Port
}

// Append encodes the address in SOCKS5 wire format and appends it to b.
// Encoding a domain name outside 1..255 bytes fails with ErrDomainLength.
func (a Address) Append(b []byte) ([]byte, error) {
	switch {
	case a.Name != "":
		if len(a.Name) > 255 {
			return nil, fmt.Errorf("%w: %d bytes", ErrDomainLength, len(a.Name))
		}
		b = append(b, ATYPDomain, byte(len(a.Name)))
		b = append(b, a.Name...)

	case a.IP == nil:
		// Zero address, written in error replies.
		b = append(b, ATYPIPv4, 0, 0, 0, 0)

	default:
		if ip4 := a.IP.To4(); ip4 != nil {
			b = append(b, ATYPIPv4)
			b = append(b, ip4...)
		} else if ip6 := a.IP.To16(); ip6 != nil {
			b = append(b, ATYPIPv6)
			b = append(b, ip6...)
		} else {
			return nil, fmt.Errorf("invalid IP length %d", len(a.IP))
		}
	}

	return binary.BigEndian.AppendUint16(b, a.Port), nil
}

// ReadAddress reads a SOCKS5 address (ATYP, address, port) from r.
// An unknown address type fails with ErrAddressType.
func ReadAddress(r io.Reader) (Address, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Address{}, err
	}

	var addr Address
	switch atyp[0] {
	case ATYPIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, err
		}
		addr.IP = net.IP(buf[:4])
		addr.Port = binary.BigEndian.Uint16(buf[4:])

	case ATYPIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, err
		}
		addr.IP = net.IP(buf[:16])
		addr.Port = binary.BigEndian.Uint16(buf[16:])

	case ATYPDomain:
		var dlen [1]byte
		if _, err := io.ReadFull(r, dlen[:]); err != nil {
			return Address{}, err
		}
		if dlen[0] == 0 {
			return Address{}, fmt.Errorf("%w: 0 bytes", ErrDomainLength)
		}
		buf := make([]byte, int(dlen[0])+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Address{}, err
		}
		addr.Name = string(buf[:dlen[0]])
		addr.Port = binary.BigEndian.Uint16(buf[dlen[0]:])

	default:
		return Address{}, fmt.Errorf("%w: %#02x", ErrAddressType, atyp[0])
	}

	return addr, nil
}

// DecodeAddress decodes a SOCKS5 address from the front of b and returns
// it together with the number of bytes consumed. It is the buffer-based
// twin of ReadAddress, used for datagram headers.
func DecodeAddress(b []byte) (Address, int, error) {
	if len(b) < 1 {
		return Address{}, 0, io.ErrUnexpectedEOF
	}

	var (
		addr   Address
		cursor int
	)
	switch b[0] {
	case ATYPIPv4:
		if len(b) < 1+4+2 {
			return Address{}, 0, io.ErrUnexpectedEOF
		}
		addr.IP = net.IP(b[1:5])
		cursor = 5

	case ATYPIPv6:
		if len(b) < 1+16+2 {
			return Address{}, 0, io.ErrUnexpectedEOF
		}
		addr.IP = net.IP(b[1:17])
		cursor = 17

	case ATYPDomain:
		if len(b) < 2 {
			return Address{}, 0, io.ErrUnexpectedEOF
		}
		dlen := int(b[1])
		if dlen == 0 {
			return Address{}, 0, fmt.Errorf("%w: 0 bytes", ErrDomainLength)
		}
		if len(b) < 2+dlen+2 {
			return Address{}, 0, io.ErrUnexpectedEOF
		}
		addr.Name = string(b[2 : 2+dlen])
		cursor = 2 + dlen

	default:
		return Address{}, 0, fmt.Errorf("%w: %#02x", ErrAddressType, b[0])
	}

	addr.Port = binary.BigEndian.Uint16(b[cursor : cursor+2])
	return addr, cursor + 2, nil
}

// ParseAddress converts a host:port string into an Address, detecting
// whether the host is an IP literal or a domain name.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}

	addr := Address{Port: uint16(port)}
	if ip := net.ParseIP(host); ip != nil {
		addr.IP = ip
	} else {
		addr.Name = host
	}
	return addr, nil
}

// AddressOf converts a net.Addr into an Address. It recognizes TCP and
// UDP addresses directly and falls back to parsing the string form.
func AddressOf(addr net.Addr) Address {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return Address{IP: a.IP, Port: uint16(a.Port)}
	case *net.UDPAddr:
		return Address{IP: a.IP, Port: uint16(a.Port)}
	}
	parsed, err := ParseAddress(addr.String())
	if err != nil {
		return Address{}
	}
	return parsed
}
