package statute

import (
	"errors"
	"io"
)

// ErrShortDatagram reports a UDP packet too small to carry a datagram
// header.
var ErrShortDatagram = errors.New("short SOCKS5 datagram")

// Datagram is a SOCKS5 UDP request: a small header naming the target
// (or source, on the return path) followed by the payload:
//
//	+-----+------+------+----------+----------+----------+
//	| RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+-----+------+------+----------+----------+----------+
//	|  2  |  1   |  1   | Variable |    2     | Variable |
//
// Relays drop datagrams with FRAG other than zero rather than erroring;
// fragmentation support is optional in RFC 1928 and not implemented.
type Datagram struct {
	Frag    byte
	DstAddr Address
	Data    []byte
}

// ParseDatagram decodes a UDP packet into a Datagram. Data aliases b;
// callers that retain the datagram across buffer reuse must copy it.
func ParseDatagram(b []byte) (Datagram, error) {
	if len(b) < 4 {
		return Datagram{}, ErrShortDatagram
	}

	addr, n, err := DecodeAddress(b[3:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Datagram{}, ErrShortDatagram
		}
		return Datagram{}, err
	}

	return Datagram{
		Frag:    b[2],
		DstAddr: addr,
		Data:    b[3+n:],
	}, nil
}

// Bytes encodes the datagram in wire format with a zero reserved field.
func (d Datagram) Bytes() ([]byte, error) {
	b := make([]byte, 0, 3+MaxAddrLen+len(d.Data))
	b = append(b, 0x00, 0x00, d.Frag)
	b, err := d.DstAddr.Append(b)
	if err != nil {
		return nil, err
	}
	return append(b, d.Data...), nil
}
