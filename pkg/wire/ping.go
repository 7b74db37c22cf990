package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// PingKind tags which candidate socket a ping was aimed at, so the reply
// tells the sender which path proved reachable.
type PingKind uint8

const (
	PingLocal     PingKind = 1
	PingPublic    PingKind = 2
	PingSymmetric PingKind = 3
)

// String returns the lowercase kind name for logs.
func (k PingKind) String() string {
	switch k {
	case PingLocal:
		return "local"
	case PingPublic:
		return "public"
	case PingSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// Ping probes one candidate socket. SentUsec is the sender's local clock
// in microseconds and comes back verbatim in the reply for RTT and
// clock-skew measurement.
type Ping struct {
	Kind     PingKind
	SentUsec int64
}

const pingPayloadSize = 1 + 8

// Marshal builds a full ping datagram. Unverified pings (sent before a
// node identity exists, during ICE rendezvous) use the same layout with
// the ICE client ID as the header sender.
func (p Ping) Marshal(packetType uint8, sender uuid.UUID) []byte {
	buf := NewHeader(packetType, sender).AppendTo(make([]byte, 0, HeaderSize+pingPayloadSize))
	buf = append(buf, uint8(p.Kind))
	return binary.LittleEndian.AppendUint64(buf, uint64(p.SentUsec))
}

// ParsePing parses a ping payload.
func ParsePing(data []byte) (Ping, error) {
	if len(data) < pingPayloadSize {
		return Ping{}, fmt.Errorf("short ping payload: %d", len(data))
	}
	return Ping{
		Kind:     PingKind(data[0]),
		SentUsec: int64(binary.LittleEndian.Uint64(data[1:9])),
	}, nil
}

// PingReply answers a ping: the original kind and timestamp, plus the
// replier's local clock at the moment of the reply.
type PingReply struct {
	Kind      PingKind
	SentUsec  int64
	ReplyUsec int64
}

const pingReplyPayloadSize = 1 + 8 + 8

// ReplyTo builds the reply for a received ping.
func (p Ping) ReplyTo(packetType uint8, sender uuid.UUID, nowUsec int64) []byte {
	r := PingReply{Kind: p.Kind, SentUsec: p.SentUsec, ReplyUsec: nowUsec}
	return r.Marshal(packetType, sender)
}

// Marshal builds a full ping-reply datagram.
func (r PingReply) Marshal(packetType uint8, sender uuid.UUID) []byte {
	buf := NewHeader(packetType, sender).AppendTo(make([]byte, 0, HeaderSize+pingReplyPayloadSize))
	buf = append(buf, uint8(r.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.SentUsec))
	return binary.LittleEndian.AppendUint64(buf, uint64(r.ReplyUsec))
}

// ParsePingReply parses a ping-reply payload.
func ParsePingReply(data []byte) (PingReply, error) {
	if len(data) < pingReplyPayloadSize {
		return PingReply{}, fmt.Errorf("short ping reply payload: %d", len(data))
	}
	return PingReply{
		Kind:      PingKind(data[0]),
		SentUsec:  int64(binary.LittleEndian.Uint64(data[1:9])),
		ReplyUsec: int64(binary.LittleEndian.Uint64(data[9:17])),
	}, nil
}
