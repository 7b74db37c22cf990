package udp

import (
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	pionstun "github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

type received struct {
	header  wire.Header
	payload []byte
	from    wire.SockAddr
}

// collector gathers dispatched packets for assertions.
type collector struct {
	mu      sync.Mutex
	packets []received
	stun    [][]byte
}

func (c *collector) handler() Handler {
	return func(h wire.Header, payload []byte, from wire.SockAddr) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.packets = append(c.packets, received{header: h, payload: payload, from: from})
	}
}

func (c *collector) stunHandler() func([]byte) {
	return func(data []byte) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stun = append(c.stun, data)
	}
}

func (c *collector) wait(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		ok := cond()
		c.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for packets")
}

func newPair(t *testing.T) (*Transport, *Transport, *collector) {
	t.Helper()
	a, err := Listen(0)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := Listen(0)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	col := &collector{}
	go a.Run()
	go b.Run()
	return a, b, col
}

func loopback(port uint16) wire.SockAddr {
	return wire.SockAddr{Addr: netip.MustParseAddr("127.0.0.1"), Port: port}
}

func TestDispatchByPacketType(t *testing.T) {
	a, b, col := newPair(t)
	b.Handle(wire.PacketTypePing, col.handler())

	sender := uuid.New()
	pkt := wire.Ping{Kind: wire.PingLocal, SentUsec: 42}.Marshal(wire.PacketTypePing, sender)
	require.NoError(t, a.SendTo(pkt, loopback(b.LocalPort())))

	col.wait(t, func() bool { return len(col.packets) == 1 })
	got := col.packets[0]
	assert.Equal(t, wire.PacketTypePing, got.header.Type)
	assert.Equal(t, sender, got.header.Sender)

	ping, err := wire.ParsePing(got.payload)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ping.SentUsec)
	assert.Equal(t, a.LocalPort(), got.from.Port)
}

func TestVersionMismatchDropped(t *testing.T) {
	a, b, col := newPair(t)
	b.Handle(wire.PacketTypePing, col.handler())
	b.Handle(wire.PacketTypePingReply, col.handler())

	bad := wire.Ping{Kind: wire.PingLocal, SentUsec: 1}.Marshal(wire.PacketTypePing, uuid.New())
	bad[1] = 99 // version byte
	require.NoError(t, a.SendTo(bad, loopback(b.LocalPort())))

	// A valid packet after the bad one proves the bad one was dropped,
	// not just slow.
	good := wire.Ping{Kind: wire.PingLocal, SentUsec: 2}.Marshal(wire.PacketTypePingReply, uuid.New())
	require.NoError(t, a.SendTo(good, loopback(b.LocalPort())))

	col.wait(t, func() bool { return len(col.packets) == 1 })
	assert.Equal(t, wire.PacketTypePingReply, col.packets[0].header.Type)
}

func TestSTUNFramedDatagramsRoutedSeparately(t *testing.T) {
	a, b, col := newPair(t)
	b.HandleSTUN(col.stunHandler())
	b.Handle(wire.PacketTypePing, col.handler())

	msg, err := pionstun.Build(pionstun.TransactionID, pionstun.BindingSuccess)
	require.NoError(t, err)
	require.NoError(t, a.SendTo(msg.Raw, loopback(b.LocalPort())))

	col.wait(t, func() bool { return len(col.stun) == 1 })
	assert.Empty(t, col.packets)
}

func TestOversizedSendRefused(t *testing.T) {
	a, b, _ := newPair(t)
	pkt := make([]byte, wire.MaxDatagramSize+1)
	err := a.SendTo(pkt, loopback(b.LocalPort()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max datagram size")
}

func TestSendWithoutAddressRefused(t *testing.T) {
	a, _, _ := newPair(t)
	err := a.SendTo([]byte{1, 2, 3}, wire.SockAddr{Port: 9})
	require.Error(t, err)
}

func TestTextStatsChunking(t *testing.T) {
	a, b, col := newPair(t)
	b.Handle(wire.PacketTypeTextStats, col.handler())

	// Enough long lines that one datagram cannot hold them all.
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, strings.Repeat("x", 100))
	}
	require.NoError(t, a.SendTextStats(uuid.New(), lines, loopback(b.LocalPort())))

	want := len(wire.MarshalTextStats(uuid.New(), lines))
	require.Greater(t, want, 1, "test must span datagrams")

	col.wait(t, func() bool { return len(col.packets) == want })

	var got []string
	for _, p := range col.packets {
		chunk, err := wire.ParseTextStats(p.payload)
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	assert.Equal(t, lines, got)
}
