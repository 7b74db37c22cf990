package ice

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

type sentPacket struct {
	header  wire.Header
	payload []byte
	to      wire.SockAddr
}

type fakeSender struct {
	sent []sentPacket
}

func (f *fakeSender) SendTo(pkt []byte, to wire.SockAddr) error {
	h, err := wire.ParseHeader(pkt)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentPacket{header: h, payload: pkt[wire.HeaderSize:], to: to})
	return nil
}

func (f *fakeSender) ofType(t uint8) []sentPacket {
	var out []sentPacket
	for _, p := range f.sent {
		if p.header.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func sock(ip string, port uint16) wire.SockAddr {
	return wire.SockAddr{Addr: netip.MustParseAddr(ip), Port: port}
}

func newTestClient(t *testing.T) (*Client, *fakeSender, *clock.Mock) {
	t.Helper()
	sender := &fakeSender{}
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	c := NewClient(sender, clk)
	c.Configure(sock("198.51.100.9", 7337), uuid.New())
	return c, sender, clk
}

func candidates(t *testing.T, c *Client, domainID uuid.UUID, public, local wire.SockAddr) {
	t.Helper()
	pkt := wire.ICEHeartbeatResponse{
		PeerID:       domainID,
		PublicSocket: public,
		LocalSocket:  local,
	}.Marshal(uuid.New())
	h, err := wire.ParseHeader(pkt)
	require.NoError(t, err)
	c.HandleHeartbeatResponse(h, pkt[wire.HeaderSize:], sock("198.51.100.9", 7337))
}

func TestTickHeartbeatsUntilCandidatesArrive(t *testing.T) {
	c, sender, _ := newTestClient(t)

	c.Tick()
	c.Tick()

	beats := sender.ofType(wire.PacketTypeICEHeartbeat)
	require.Len(t, beats, 2)
	assert.Equal(t, sock("198.51.100.9", 7337), beats[0].to)
	assert.Equal(t, c.ClientID(), beats[0].header.Sender)
	assert.Empty(t, sender.ofType(wire.PacketTypeUnverifiedPing))
}

func TestTickRacesPingsOnBothCandidates(t *testing.T) {
	c, sender, _ := newTestClient(t)

	candidates(t, c, c.domainID, sock("203.0.113.5", 40102), sock("192.168.1.20", 40102))
	c.Tick()

	pings := sender.ofType(wire.PacketTypeUnverifiedPing)
	require.Len(t, pings, 2)
	var targets []wire.SockAddr
	for _, p := range pings {
		targets = append(targets, p.to)
	}
	assert.Contains(t, targets, sock("203.0.113.5", 40102))
	assert.Contains(t, targets, sock("192.168.1.20", 40102))
	assert.Empty(t, sender.ofType(wire.PacketTypeICEHeartbeat))
}

func TestTickRestartsFromHeartbeatAfterMaxAttempts(t *testing.T) {
	c, sender, _ := newTestClient(t)
	candidates(t, c, c.domainID, sock("203.0.113.5", 40102), sock("192.168.1.20", 40102))

	for i := 0; i < MaxConnectionAttempts; i++ {
		c.Tick()
	}
	require.Len(t, sender.ofType(wire.PacketTypeUnverifiedPing), 2*MaxConnectionAttempts)

	// Counter exhausted: this tick heartbeats and resets.
	c.Tick()
	assert.Len(t, sender.ofType(wire.PacketTypeICEHeartbeat), 1)

	// Counter is back to zero, so racing resumes.
	c.Tick()
	assert.Len(t, sender.ofType(wire.PacketTypeUnverifiedPing), 2*MaxConnectionAttempts+2)
}

func TestHeartbeatResponseForOtherDomainIgnored(t *testing.T) {
	c, sender, _ := newTestClient(t)

	candidates(t, c, uuid.New(), sock("203.0.113.5", 40102), sock("192.168.1.20", 40102))
	c.Tick()

	assert.Empty(t, sender.ofType(wire.PacketTypeUnverifiedPing))
	assert.Len(t, sender.ofType(wire.PacketTypeICEHeartbeat), 1)
}

func TestUnverifiedPingAnswered(t *testing.T) {
	c, sender, clk := newTestClient(t)

	from := sock("203.0.113.5", 40102)
	pkt := wire.Ping{Kind: wire.PingPublic, SentUsec: clk.Now().UnixMicro() - 1500}.
		Marshal(wire.PacketTypeUnverifiedPing, uuid.New())
	h, err := wire.ParseHeader(pkt)
	require.NoError(t, err)
	c.HandleUnverifiedPing(h, pkt[wire.HeaderSize:], from)

	replies := sender.ofType(wire.PacketTypeUnverifiedPingReply)
	require.Len(t, replies, 1)
	assert.Equal(t, from, replies[0].to)
	assert.Equal(t, c.ClientID(), replies[0].header.Sender)

	reply, err := wire.ParsePingReply(replies[0].payload)
	require.NoError(t, err)
	assert.Equal(t, wire.PingPublic, reply.Kind)
	assert.Equal(t, clk.Now().UnixMicro()-1500, reply.SentUsec)
	assert.Equal(t, clk.Now().UnixMicro(), reply.ReplyUsec)
}

func TestUnverifiedPingReplyResolvesMatchingCandidate(t *testing.T) {
	tests := []struct {
		name string
		from wire.SockAddr
		kind wire.PingKind
	}{
		{"local candidate wins local path", sock("192.168.1.20", 40102), wire.PingLocal},
		{"public candidate wins public path", sock("203.0.113.5", 40102), wire.PingPublic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, clk := newTestClient(t)
			candidates(t, c, c.domainID, sock("203.0.113.5", 40102), sock("192.168.1.20", 40102))

			var gotAddr wire.SockAddr
			var gotKind wire.PingKind
			c.OnResolved(func(addr wire.SockAddr, kind wire.PingKind) {
				gotAddr = addr
				gotKind = kind
			})

			pkt := wire.PingReply{
				Kind:      tt.kind,
				SentUsec:  clk.Now().UnixMicro() - 900,
				ReplyUsec: clk.Now().UnixMicro(),
			}.Marshal(wire.PacketTypeUnverifiedPingReply, uuid.New())
			h, err := wire.ParseHeader(pkt)
			require.NoError(t, err)
			c.HandleUnverifiedPingReply(h, pkt[wire.HeaderSize:], tt.from)

			assert.Equal(t, tt.from, gotAddr)
			assert.Equal(t, tt.kind, gotKind)
		})
	}
}

func TestUnverifiedPingReplyFromStrangerDropped(t *testing.T) {
	c, _, clk := newTestClient(t)
	candidates(t, c, c.domainID, sock("203.0.113.5", 40102), sock("192.168.1.20", 40102))

	resolved := false
	c.OnResolved(func(wire.SockAddr, wire.PingKind) { resolved = true })

	pkt := wire.PingReply{
		Kind:      wire.PingPublic,
		SentUsec:  clk.Now().UnixMicro(),
		ReplyUsec: clk.Now().UnixMicro(),
	}.Marshal(wire.PacketTypeUnverifiedPingReply, uuid.New())
	h, err := wire.ParseHeader(pkt)
	require.NoError(t, err)
	c.HandleUnverifiedPingReply(h, pkt[wire.HeaderSize:], sock("198.51.100.200", 5555))

	assert.False(t, resolved)
}

func TestResetReturnsToHeartbeat(t *testing.T) {
	c, sender, _ := newTestClient(t)
	candidates(t, c, c.domainID, sock("203.0.113.5", 40102), sock("192.168.1.20", 40102))

	c.Reset()
	c.Tick()

	assert.Len(t, sender.ofType(wire.PacketTypeICEHeartbeat), 1)
	assert.Empty(t, sender.ofType(wire.PacketTypeUnverifiedPing))
}
