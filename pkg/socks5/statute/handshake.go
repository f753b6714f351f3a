package statute

import (
	"errors"
	"fmt"
	"io"
)

// Handshake codec errors.
var (
	// ErrBadVersion reports a version byte other than 5 where the SOCKS5
	// protocol version is required.
	ErrBadVersion = errors.New("unsupported SOCKS version")

	// ErrBadUserPassVersion reports a username/password sub-negotiation
	// version other than 1.
	ErrBadUserPassVersion = errors.New("unsupported auth sub-negotiation version")

	// ErrNoMethods reports a method selection message carrying zero
	// methods.
	ErrNoMethods = errors.New("no authentication methods offered")
)

// MethodRequest is the client's opening method selection message:
//
//	+-----+----------+----------+
//	| VER | NMETHODS | METHODS  |
//	+-----+----------+----------+
//	|  1  |    1     | 1 to 255 |
type MethodRequest struct {
	Version byte
	Methods []byte
}

// NewMethodRequest builds a version-5 method selection message offering
// the given methods.
func NewMethodRequest(methods ...byte) MethodRequest {
	return MethodRequest{Version: Version5, Methods: methods}
}

// ParseMethodRequest reads a method selection message from r. A version
// byte other than 5 fails with ErrBadVersion and an empty method list
// fails with ErrNoMethods; both are terminal for the connection.
func ParseMethodRequest(r io.Reader) (MethodRequest, error) {
	var h [2]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return MethodRequest{}, err
	}
	if h[0] != Version5 {
		return MethodRequest{}, fmt.Errorf("%w: %#02x", ErrBadVersion, h[0])
	}
	if h[1] == 0 {
		return MethodRequest{}, ErrNoMethods
	}

	methods := make([]byte, h[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return MethodRequest{}, err
	}
	return MethodRequest{Version: h[0], Methods: methods}, nil
}

// Bytes encodes the message in wire format.
func (m MethodRequest) Bytes() []byte {
	b := make([]byte, 0, 2+len(m.Methods))
	b = append(b, m.Version, byte(len(m.Methods)))
	return append(b, m.Methods...)
}

// MethodReply is the server's method selection:
//
//	+-----+--------+
//	| VER | METHOD |
//	+-----+--------+
//	|  1  |   1    |
//
// METHOD is 0xFF when none of the offered methods is acceptable.
type MethodReply struct {
	Version byte
	Method  byte
}

// ParseMethodReply reads a method selection reply from r.
func ParseMethodReply(r io.Reader) (MethodReply, error) {
	var h [2]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return MethodReply{}, err
	}
	if h[0] != Version5 {
		return MethodReply{}, fmt.Errorf("%w: %#02x", ErrBadVersion, h[0])
	}
	return MethodReply{Version: h[0], Method: h[1]}, nil
}

// Bytes encodes the reply in wire format.
func (m MethodReply) Bytes() []byte {
	return []byte{m.Version, m.Method}
}

// UserPassRequest is the RFC 1929 username/password sub-negotiation
// request:
//
//	+-----+------+----------+------+----------+
//	| VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+-----+------+----------+------+----------+
//	|  1  |  1   | 1 to 255 |  1   | 0 to 255 |
//
// The password may be empty, but its length byte is always present.
type UserPassRequest struct {
	Version  byte
	Username []byte
	Password []byte
}

// NewUserPassRequest builds a version-1 auth request for the given
// credentials.
func NewUserPassRequest(username, password []byte) UserPassRequest {
	return UserPassRequest{
		Version:  UserPassVersion,
		Username: username,
		Password: password,
	}
}

// ParseUserPassRequest reads an auth request from r. A sub-negotiation
// version other than 1 fails with ErrBadUserPassVersion.
func ParseUserPassRequest(r io.Reader) (UserPassRequest, error) {
	var h [2]byte // VER, ULEN
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return UserPassRequest{}, err
	}
	if h[0] != UserPassVersion {
		return UserPassRequest{}, fmt.Errorf("%w: %#02x", ErrBadUserPassVersion, h[0])
	}

	username := make([]byte, int(h[1])+1) // +1 to pick up PLEN in one read
	if _, err := io.ReadFull(r, username); err != nil {
		return UserPassRequest{}, err
	}
	plen := username[h[1]]
	username = username[:h[1]]

	password := make([]byte, plen)
	if _, err := io.ReadFull(r, password); err != nil {
		return UserPassRequest{}, err
	}

	return UserPassRequest{Version: h[0], Username: username, Password: password}, nil
}

// Bytes encodes the request in wire format. Credentials longer than 255
// bytes cannot be represented and fail.
func (u UserPassRequest) Bytes() ([]byte, error) {
	if len(u.Username) > 255 {
		return nil, fmt.Errorf("username too long: %d bytes", len(u.Username))
	}
	if len(u.Password) > 255 {
		return nil, fmt.Errorf("password too long: %d bytes", len(u.Password))
	}

	b := make([]byte, 0, 3+len(u.Username)+len(u.Password))
	b = append(b, u.Version, byte(len(u.Username)))
	b = append(b, u.Username...)
	b = append(b, byte(len(u.Password)))
	return append(b, u.Password...), nil
}

// UserPassReply is the server's auth sub-negotiation status:
//
//	+-----+--------+
//	| VER | STATUS |
//	+-----+--------+
//	|  1  |   1    |
//
// STATUS 0x00 means success; any other value is a failure and the server
// closes the connection.
type UserPassReply struct {
	Version byte
	Status  byte
}

// ParseUserPassReply reads an auth status reply from r.
func ParseUserPassReply(r io.Reader) (UserPassReply, error) {
	var h [2]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return UserPassReply{}, err
	}
	if h[0] != UserPassVersion {
		return UserPassReply{}, fmt.Errorf("%w: %#02x", ErrBadUserPassVersion, h[0])
	}
	return UserPassReply{Version: h[0], Status: h[1]}, nil
}

// Bytes encodes the reply in wire format.
func (u UserPassReply) Bytes() []byte {
	return []byte{u.Version, u.Status}
}
