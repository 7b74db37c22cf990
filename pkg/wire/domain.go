package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// DomainCheckIn is the payload of both connect requests and the lighter
// list requests sent once connected. Username and Signature are carried
// only on connect requests; the signature is an opaque blob for the
// credential layer, never interpreted here.
type DomainCheckIn struct {
	OwnerType    NodeType
	PublicSocket SockAddr
	LocalSocket  SockAddr
	Interest     []NodeType

	Username  string
	Signature []byte
}

// MarshalConnectRequest builds a full connect-request datagram, header
// included. The sender is the ICE client ID when the domain was found
// via rendezvous, otherwise the (possibly null) session UUID.
func (c DomainCheckIn) MarshalConnectRequest(sender uuid.UUID) ([]byte, error) {
	return c.marshal(PacketTypeDomainConnectRequest, sender, true)
}

// MarshalListRequest builds the lighter check-in sent once connected.
func (c DomainCheckIn) MarshalListRequest(sender uuid.UUID) ([]byte, error) {
	return c.marshal(PacketTypeDomainListRequest, sender, false)
}

func (c DomainCheckIn) marshal(packetType uint8, sender uuid.UUID, withIdentity bool) ([]byte, error) {
	buf := NewHeader(packetType, sender).AppendTo(make([]byte, 0, 128))
	buf = append(buf, uint8(c.OwnerType))
	buf = c.PublicSocket.AppendTo(buf)
	buf = c.LocalSocket.AppendTo(buf)
	buf = append(buf, uint8(len(c.Interest)))
	for _, t := range c.Interest {
		buf = append(buf, uint8(t))
	}
	if withIdentity {
		buf = appendString(buf, c.Username)
		buf = appendBlob(buf, c.Signature)
	}
	if len(buf) > MaxDatagramSize {
		return nil, fmt.Errorf("check-in packet would exceed max datagram size: %d", len(buf))
	}
	return buf, nil
}

// ParseDomainCheckIn parses the payload of a connect or list request.
// withIdentity must match the packet type the header declared.
func ParseDomainCheckIn(data []byte, withIdentity bool) (DomainCheckIn, error) {
	var c DomainCheckIn
	if len(data) < 1 {
		return c, fmt.Errorf("empty check-in payload")
	}
	c.OwnerType = NodeType(data[0])
	data = data[1:]

	var err error
	if c.PublicSocket, data, err = readSockAddr(data); err != nil {
		return c, err
	}
	if c.LocalSocket, data, err = readSockAddr(data); err != nil {
		return c, err
	}
	if len(data) < 1 {
		return c, fmt.Errorf("check-in missing interest list")
	}
	count := int(data[0])
	data = data[1:]
	if len(data) < count {
		return c, fmt.Errorf("check-in interest list truncated: want %d, have %d", count, len(data))
	}
	for i := 0; i < count; i++ {
		c.Interest = append(c.Interest, NodeType(data[i]))
	}
	data = data[count:]

	if withIdentity {
		if c.Username, data, err = readString(data); err != nil {
			return c, err
		}
		// The signature is optional; absent means anonymous connect.
		if len(data) > 0 {
			if c.Signature, _, err = readBlob(data); err != nil {
				return c, err
			}
		}
	}
	return c, nil
}

// NodeRecord is one per-node entry in a domain list response.
type NodeRecord struct {
	Type              NodeType
	ID                uuid.UUID
	PublicSocket      SockAddr
	LocalSocket       SockAddr
	CanAdjustSettings bool
	CanCreateContent  bool
	ConnectionSecret  uuid.UUID
}

const nodeRecordSize = 1 + 16 + SockAddrSize + SockAddrSize + 1 + 1 + 16

// DomainList is the domain server's response to a check-in. The header
// sender field carries the domain's session-scoped UUID for this
// participant.
type DomainList struct {
	SessionID         uuid.UUID
	CanAdjustSettings bool
	CanCreateContent  bool
	Nodes             []NodeRecord
}

// Marshal builds a full domain-list datagram, header included. The
// domain stamps the recipient's session UUID into both the header sender
// field and the payload.
func (l DomainList) Marshal(domainID uuid.UUID) ([]byte, error) {
	buf := NewHeader(PacketTypeDomainList, domainID).AppendTo(make([]byte, 0, 64+len(l.Nodes)*nodeRecordSize))
	buf = append(buf, l.SessionID[:]...)
	buf = append(buf, boolByte(l.CanAdjustSettings), boolByte(l.CanCreateContent))
	for _, n := range l.Nodes {
		buf = append(buf, uint8(n.Type))
		buf = append(buf, n.ID[:]...)
		buf = n.PublicSocket.AppendTo(buf)
		buf = n.LocalSocket.AppendTo(buf)
		buf = append(buf, boolByte(n.CanAdjustSettings), boolByte(n.CanCreateContent))
		buf = append(buf, n.ConnectionSecret[:]...)
	}
	if len(buf) > MaxDatagramSize {
		return nil, fmt.Errorf("domain list with %d nodes exceeds max datagram size", len(l.Nodes))
	}
	return buf, nil
}

// ParseDomainList parses a domain-list payload.
func ParseDomainList(data []byte) (DomainList, error) {
	var l DomainList
	if len(data) < 16+2 {
		return l, fmt.Errorf("domain list too short: %d", len(data))
	}
	copy(l.SessionID[:], data[:16])
	l.CanAdjustSettings = data[16] != 0
	l.CanCreateContent = data[17] != 0
	data = data[18:]

	for len(data) > 0 {
		if len(data) < nodeRecordSize {
			return l, fmt.Errorf("truncated node record: %d < %d", len(data), nodeRecordSize)
		}
		var n NodeRecord
		n.Type = NodeType(data[0])
		copy(n.ID[:], data[1:17])
		rest := data[17:]
		var err error
		if n.PublicSocket, rest, err = readSockAddr(rest); err != nil {
			return l, err
		}
		if n.LocalSocket, rest, err = readSockAddr(rest); err != nil {
			return l, err
		}
		n.CanAdjustSettings = rest[0] != 0
		n.CanCreateContent = rest[1] != 0
		copy(n.ConnectionSecret[:], rest[2:18])
		l.Nodes = append(l.Nodes, n)
		data = rest[18:]
	}
	return l, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// appendString appends a 2-byte little-endian length prefix and UTF-8 bytes.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBlob(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

func readString(data []byte) (string, []byte, error) {
	b, rest, err := readBlob(data)
	return string(b), rest, err
}

func readBlob(data []byte) ([]byte, []byte, error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("short length prefix")
	}
	n := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return nil, nil, fmt.Errorf("truncated field: want %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
