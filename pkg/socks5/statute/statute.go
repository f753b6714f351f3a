// Package statute implements the SOCKS5 wire format defined in RFC 1928
// and RFC 1929: network addresses, method negotiation, username/password
// sub-negotiation, command requests and replies, and UDP datagram framing.
//
// Every message type is a plain struct with a Parse function and a Bytes
// method. The codecs are pure and shared between the server and the
// client, so both ends agree on the wire bytes by construction.
package statute

import "fmt"

// SOCKS protocol versions.
const (
	Version5 byte = 0x05 // SOCKS Protocol Version 5
)

// Authentication methods as defined in RFC 1928.
const (
	MethodNoAuth       byte = 0x00 // No authentication required
	MethodGSSAPI       byte = 0x01 // GSSAPI (reserved, never selected)
	MethodUserPass     byte = 0x02 // Username/Password (RFC 1929)
	MethodNoAcceptable byte = 0xFF // No acceptable methods
)

// Username/password sub-negotiation constants from RFC 1929.
const (
	UserPassVersion byte = 0x01 // Sub-negotiation version
	AuthSucceeded   byte = 0x00 // Authentication succeeded
	AuthFailed      byte = 0x01 // Authentication failed
)

// Command is a SOCKS5 request command byte.
type Command byte

// SOCKS5 commands that clients may request.
const (
	CommandConnect   Command = 0x01 // Establish TCP/IP stream connection
	CommandBind      Command = 0x02 // Listen for incoming TCP connection
	CommandAssociate Command = 0x03 // Set up UDP relay
)

// String returns the command name used in logs and error messages.
func (c Command) String() string {
	switch c {
	case CommandConnect:
		return "connect"
	case CommandBind:
		return "bind"
	case CommandAssociate:
		return "udp associate"
	default:
		return fmt.Sprintf("command(%#02x)", byte(c))
	}
}

// Address types for target addresses.
const (
	ATYPIPv4   byte = 0x01 // IPv4 address (4 bytes)
	ATYPDomain byte = 0x03 // Domain name (variable length)
	ATYPIPv6   byte = 0x04 // IPv6 address (16 bytes)
)

// ReplyCode is the status byte a server sends back in a command reply.
type ReplyCode byte

// Reply codes sent from server to client.
const (
	ReplySucceeded           ReplyCode = 0x00 // Request granted
	ReplyGeneralFailure      ReplyCode = 0x01 // General SOCKS server failure
	ReplyNotAllowed          ReplyCode = 0x02 // Connection not allowed by ruleset
	ReplyNetworkUnreachable  ReplyCode = 0x03 // Network unreachable
	ReplyHostUnreachable     ReplyCode = 0x04 // Host unreachable
	ReplyConnectionRefused   ReplyCode = 0x05 // Connection refused by destination
	ReplyTTLExpired          ReplyCode = 0x06 // TTL expired
	ReplyCommandNotSupported ReplyCode = 0x07 // Command not supported
	ReplyAddressNotSupported ReplyCode = 0x08 // Address type not supported
)

// String returns the RFC 1928 description of the reply code.
func (c ReplyCode) String() string {
	switch c {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralFailure:
		return "general SOCKS server failure"
	case ReplyNotAllowed:
		return "connection not allowed by ruleset"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddressNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply(%#02x)", byte(c))
	}
}

// Buffer size limits.
const (
	MaxAddrLen       = 1 + 1 + 255 + 2 // ATYP + length byte + longest domain + port
	MaxUDPPacketSize = 65535           // Maximum size of UDP datagram in bytes
)
