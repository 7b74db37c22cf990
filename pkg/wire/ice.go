package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// ICEHeartbeat registers presence with the rendezvous server and asks for
// the target domain's candidate sockets. The header sender is the
// self-generated ICE client ID.
type ICEHeartbeat struct {
	DomainID uuid.UUID
}

// Marshal builds a full heartbeat datagram.
func (h ICEHeartbeat) Marshal(clientID uuid.UUID) []byte {
	buf := NewHeader(PacketTypeICEHeartbeat, clientID).AppendTo(make([]byte, 0, HeaderSize+16))
	return append(buf, h.DomainID[:]...)
}

// ParseICEHeartbeat parses a heartbeat payload.
func ParseICEHeartbeat(data []byte) (ICEHeartbeat, error) {
	var h ICEHeartbeat
	if len(data) < 16 {
		return h, fmt.Errorf("short ice heartbeat payload: %d", len(data))
	}
	copy(h.DomainID[:], data[:16])
	return h, nil
}

// ICEHeartbeatResponse carries the peer's (the domain's) candidate
// sockets as the rendezvous server last heard them.
type ICEHeartbeatResponse struct {
	PeerID       uuid.UUID
	PublicSocket SockAddr
	LocalSocket  SockAddr
}

// Marshal builds a full heartbeat-response datagram.
func (r ICEHeartbeatResponse) Marshal(serverID uuid.UUID) []byte {
	buf := NewHeader(PacketTypeICEHeartbeatResponse, serverID).AppendTo(make([]byte, 0, HeaderSize+16+2*SockAddrSize))
	buf = append(buf, r.PeerID[:]...)
	buf = r.PublicSocket.AppendTo(buf)
	return r.LocalSocket.AppendTo(buf)
}

// ParseICEHeartbeatResponse parses a heartbeat-response payload.
func ParseICEHeartbeatResponse(data []byte) (ICEHeartbeatResponse, error) {
	var r ICEHeartbeatResponse
	if len(data) < 16+2*SockAddrSize {
		return r, fmt.Errorf("short ice heartbeat response payload: %d", len(data))
	}
	copy(r.PeerID[:], data[:16])
	rest := data[16:]
	var err error
	if r.PublicSocket, rest, err = readSockAddr(rest); err != nil {
		return r, err
	}
	if r.LocalSocket, _, err = readSockAddr(rest); err != nil {
		return r, err
	}
	return r, nil
}
