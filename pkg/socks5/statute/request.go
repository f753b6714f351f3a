package statute

import (
	"fmt"
	"io"
)

// Request is a SOCKS5 command request:
//
//	+-----+-----+-------+------+----------+----------+
//	| VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+-----+-----+-------+------+----------+----------+
//	|  1  |  1  | X'00' |  1   | Variable |    2     |
//
// Exactly one request is exchanged per connection; after a successful
// reply the stream carries raw relayed bytes.
type Request struct {
	Version byte
	Command Command
	DstAddr Address
}

// ParseRequest reads a command request from r. The reserved byte is
// ignored on decode. An unknown command byte is preserved so the caller
// can answer with a command-not-supported reply.
func ParseRequest(r io.Reader) (Request, error) {
	var h [3]byte // VER, CMD, RSV
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return Request{}, err
	}
	if h[0] != Version5 {
		return Request{}, fmt.Errorf("%w: %#02x", ErrBadVersion, h[0])
	}

	addr, err := ReadAddress(r)
	if err != nil {
		return Request{}, err
	}
	return Request{Version: h[0], Command: Command(h[1]), DstAddr: addr}, nil
}

// Bytes encodes the request in wire format.
func (q Request) Bytes() ([]byte, error) {
	b := make([]byte, 0, 3+MaxAddrLen)
	b = append(b, q.Version, byte(q.Command), 0x00)
	return q.DstAddr.Append(b)
}

// Reply is a SOCKS5 command reply:
//
//	+-----+-----+-------+------+----------+----------+
//	| VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+-----+-----+-------+------+----------+----------+
//	|  1  |  1  | X'00' |  1   | Variable |    2     |
type Reply struct {
	Version byte
	Code    ReplyCode
	BndAddr Address
}

// NewReply builds a version-5 reply with the given status and bound
// address.
func NewReply(code ReplyCode, bnd Address) Reply {
	return Reply{Version: Version5, Code: code, BndAddr: bnd}
}

// ParseReply reads a command reply from r.
func ParseReply(r io.Reader) (Reply, error) {
	var h [3]byte // VER, REP, RSV
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return Reply{}, err
	}
	if h[0] != Version5 {
		return Reply{}, fmt.Errorf("%w: %#02x", ErrBadVersion, h[0])
	}

	addr, err := ReadAddress(r)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Version: h[0], Code: ReplyCode(h[1]), BndAddr: addr}, nil
}

// Bytes encodes the reply in wire format.
func (p Reply) Bytes() ([]byte, error) {
	b := make([]byte, 0, 3+MaxAddrLen)
	b = append(b, p.Version, byte(p.Code), 0x00)
	return p.BndAddr.Append(b)
}
