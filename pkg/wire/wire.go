// Package wire defines the datagram protocol shared by every worldmesh
// participant: the common packet header and the discovery payloads.
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the version byte carried by every packet. Packets
// declaring any other version are dropped at the dispatch boundary.
const ProtocolVersion = 1

// Packet types.
const (
	PacketTypeDomainList           uint8 = 1
	PacketTypeDomainListRequest    uint8 = 2
	PacketTypeDomainConnectRequest uint8 = 3
	PacketTypePing                 uint8 = 4
	PacketTypePingReply            uint8 = 5
	PacketTypeUnverifiedPing       uint8 = 6
	PacketTypeUnverifiedPingReply  uint8 = 7
	PacketTypeICEHeartbeat         uint8 = 8
	PacketTypeICEHeartbeatResponse uint8 = 9
	PacketTypePathQuery            uint8 = 10
	PacketTypePathResponse         uint8 = 11
	PacketTypeTextStats            uint8 = 12
)

// MaxDatagramSize is the largest datagram this layer will construct.
// Payloads that would overflow are chunked into multiple datagrams.
const MaxDatagramSize = 1450

// HeaderSize is the size of the common packet header:
// type(1) + version(1) + sender UUID(16).
const HeaderSize = 18

// Header is the unencrypted prefix of every worldmesh packet. The sender
// field carries the node's session UUID on verified types and the ICE
// client ID on unverified types.
type Header struct {
	Type    uint8
	Version uint8
	Sender  uuid.UUID
}

// NewHeader returns a header for the given type stamped with the current
// protocol version.
func NewHeader(packetType uint8, sender uuid.UUID) Header {
	return Header{Type: packetType, Version: ProtocolVersion, Sender: sender}
}

// Marshal serializes the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Type
	buf[1] = h.Version
	copy(buf[2:18], h.Sender[:])
	return buf
}

// AppendTo appends the serialized header to buf.
func (h Header) AppendTo(buf []byte) []byte {
	buf = append(buf, h.Type, h.Version)
	return append(buf, h.Sender[:]...)
}

// ParseHeader parses the common header from a datagram.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("packet too short for header: %d < %d", len(data), HeaderSize)
	}
	var h Header
	h.Type = data[0]
	h.Version = data[1]
	copy(h.Sender[:], data[2:18])
	return h, nil
}

// NodeType tags what role a node plays in the domain.
type NodeType uint8

// Node types handed out by the domain server.
const (
	NodeTypeUnassigned   NodeType = 0
	NodeTypeAgent        NodeType = 1
	NodeTypeAudioMixer   NodeType = 2
	NodeTypeAvatarMixer  NodeType = 3
	NodeTypeEntityServer NodeType = 4
	NodeTypeAssetServer  NodeType = 5
)

// String returns the human-readable name used in logs and config files.
func (t NodeType) String() string {
	switch t {
	case NodeTypeAgent:
		return "agent"
	case NodeTypeAudioMixer:
		return "audio-mixer"
	case NodeTypeAvatarMixer:
		return "avatar-mixer"
	case NodeTypeEntityServer:
		return "entity-server"
	case NodeTypeAssetServer:
		return "asset-server"
	default:
		return "unassigned"
	}
}

// ParseNodeType maps a config-file name back to a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "agent":
		return NodeTypeAgent, nil
	case "audio-mixer":
		return NodeTypeAudioMixer, nil
	case "avatar-mixer":
		return NodeTypeAvatarMixer, nil
	case "entity-server":
		return NodeTypeEntityServer, nil
	case "asset-server":
		return NodeTypeAssetServer, nil
	default:
		return NodeTypeUnassigned, fmt.Errorf("unknown node type %q", s)
	}
}
