package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// SockAddrSize is the wire size of a socket address: IPv4(4) + port(2).
const SockAddrSize = 6

// SockAddr is an (address, port) pair as carried on the wire. The zero
// value is the null address. An address may carry a port without an IP:
// that is the STUN-fallback sentinel telling the domain server to act as
// the STUN server and report back the address it observes.
type SockAddr struct {
	Addr netip.Addr
	Port uint16
}

// SockAddrFrom builds a SockAddr from a parsed address and port.
func SockAddrFrom(addr netip.Addr, port uint16) SockAddr {
	return SockAddr{Addr: addr.Unmap(), Port: port}
}

// SockAddrFromUDP converts a net.UDPAddr, e.g. the source of a received
// datagram.
func SockAddrFromUDP(a *net.UDPAddr) SockAddr {
	if a == nil {
		return SockAddr{}
	}
	addr, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return SockAddr{Port: uint16(a.Port)}
	}
	return SockAddr{Addr: addr.Unmap(), Port: uint16(a.Port)}
}

// ParseSockAddr parses a "host:port" string.
func ParseSockAddr(s string) (SockAddr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return SockAddr{}, fmt.Errorf("parse sockaddr %q: %w", s, err)
	}
	return SockAddr{Addr: ap.Addr().Unmap(), Port: ap.Port()}, nil
}

// IsNull reports whether the address is entirely unknown (no IP, no port).
func (a SockAddr) IsNull() bool {
	return !a.Addr.IsValid() && a.Port == 0
}

// HasAddr reports whether the IP half is known.
func (a SockAddr) HasAddr() bool {
	return a.Addr.IsValid()
}

// UDPAddr converts to a net.UDPAddr for sending.
func (a SockAddr) UDPAddr() *net.UDPAddr {
	var ip net.IP
	if a.Addr.IsValid() {
		ip = a.Addr.AsSlice()
	}
	return &net.UDPAddr{IP: ip, Port: int(a.Port)}
}

// String returns host:port, or "null" for the null address.
func (a SockAddr) String() string {
	if a.IsNull() {
		return "null"
	}
	if !a.Addr.IsValid() {
		return fmt.Sprintf("0.0.0.0:%d", a.Port)
	}
	return netip.AddrPortFrom(a.Addr, a.Port).String()
}

// AppendTo appends the wire form: 4-byte IPv4 followed by 2-byte port.
// An unknown IP is written as 0.0.0.0.
func (a SockAddr) AppendTo(buf []byte) []byte {
	if a.Addr.Is4() {
		b := a.Addr.As4()
		buf = append(buf, b[:]...)
	} else {
		buf = append(buf, 0, 0, 0, 0)
	}
	return binary.LittleEndian.AppendUint16(buf, a.Port)
}

// readSockAddr consumes SockAddrSize bytes from data. A wire address of
// 0.0.0.0 decodes to an invalid (unknown) Addr.
func readSockAddr(data []byte) (SockAddr, []byte, error) {
	if len(data) < SockAddrSize {
		return SockAddr{}, nil, fmt.Errorf("short sockaddr: %d < %d", len(data), SockAddrSize)
	}
	var a SockAddr
	if data[0] != 0 || data[1] != 0 || data[2] != 0 || data[3] != 0 {
		a.Addr = netip.AddrFrom4([4]byte{data[0], data[1], data[2], data[3]})
	}
	a.Port = binary.LittleEndian.Uint16(data[4:6])
	return a, data[SockAddrSize:], nil
}
