package domain

import (
	"context"
	"net/netip"
	"testing"

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

func sock(ip string, port uint16) wire.SockAddr {
	return wire.SockAddr{Addr: netip.MustParseAddr(ip), Port: port}
}

func newResolvableHandler(sender Sender, ip string) *Handler {
	h := NewHandler(sender)
	h.lookup = func(context.Context, string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr(ip)}, nil
	}
	return h
}

func TestDirectDomainResolve(t *testing.T) {
	h := newResolvableHandler(&fakeSender{}, "203.0.113.40")
	h.SetHostnameAndPort("mesh.example.com", 40102)

	assert.Equal(t, Disconnected, h.State())
	assert.False(t, h.IsSocketKnown())

	require.NoError(t, h.Resolve(context.Background()))

	assert.True(t, h.IsSocketKnown())
	assert.Equal(t, sock("203.0.113.40", 40102), h.SockAddr())
	assert.False(t, h.RequiresICE())
}

func TestIceDomainStartsInDiscovery(t *testing.T) {
	h := NewHandler(&fakeSender{})
	domainID := uuid.New()
	h.SetIceServerAndID(sock("198.51.100.9", 7337), domainID)

	assert.Equal(t, IceDiscoveryInProgress, h.State())
	assert.True(t, h.RequiresICE())
	assert.Equal(t, domainID, h.DomainID())
	assert.False(t, h.IsSocketKnown())

	h.ActivateICEAddress(sock("203.0.113.40", 40102), wire.PingPublic)
	assert.True(t, h.IsSocketKnown())
	assert.Equal(t, Disconnected, h.State())
}

func TestSetConnectedAndSoftReset(t *testing.T) {
	h := newResolvableHandler(&fakeSender{}, "203.0.113.40")
	h.SetHostnameAndPort("mesh.example.com", 40102)
	require.NoError(t, h.Resolve(context.Background()))

	sessionID := uuid.New()
	h.SetConnected(sessionID, true, false)
	assert.Equal(t, Connected, h.State())
	assert.Equal(t, sessionID, h.SessionID())
	assert.True(t, h.CanAdjustSettings())
	assert.False(t, h.CanCreateContent())

	h.SoftReset(false)
	assert.Equal(t, Disconnected, h.State())
	assert.Equal(t, uuid.Nil, h.SessionID())
	assert.False(t, h.CanAdjustSettings())
	// Target survives a soft reset so the next check-in reconnects.
	assert.True(t, h.IsSocketKnown())
}

func TestSoftResetInIceModeRestartsDiscovery(t *testing.T) {
	h := NewHandler(&fakeSender{})
	h.SetIceServerAndID(sock("198.51.100.9", 7337), uuid.New())
	h.ActivateICEAddress(sock("203.0.113.40", 40102), wire.PingLocal)
	h.SetConnected(uuid.New(), false, false)

	h.SoftReset(false)
	assert.Equal(t, IceDiscoveryInProgress, h.State())
	assert.False(t, h.IsSocketKnown())
}

func TestDomainChangeFiresHookOnce(t *testing.T) {
	h := newResolvableHandler(&fakeSender{}, "203.0.113.40")
	changes := 0
	h.OnDomainChanged(func() { changes++ })

	h.SetHostnameAndPort("mesh.example.com", 40102)
	assert.Equal(t, 1, changes)

	// Same target again is a no-op.
	h.SetHostnameAndPort("mesh.example.com", 40102)
	assert.Equal(t, 1, changes)

	h.SetHostnameAndPort("other.example.com", 40102)
	assert.Equal(t, 2, changes)

	h.SetIceServerAndID(sock("198.51.100.9", 7337), uuid.New())
	assert.Equal(t, 3, changes)
}

func TestPathQueryDeferredUntilSocketKnown(t *testing.T) {
	sender := &fakeSender{}
	h := newResolvableHandler(sender, "203.0.113.40")
	h.SetHostnameAndPort("mesh.example.com", 40102)

	h.SendPathQuery("/oasis/plaza")
	assert.Empty(t, sender.sent)
	assert.Equal(t, "/oasis/plaza", h.PendingPath())

	require.NoError(t, h.Resolve(context.Background()))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, wire.PacketTypePathQuery, sender.sent[0].header.Type)
	assert.Equal(t, sock("203.0.113.40", 40102), sender.sent[0].to)
	q, err := wire.ParsePathQuery(sender.sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "/oasis/plaza", q.Path)
	assert.Empty(t, h.PendingPath())
}

func TestPathQuerySentImmediatelyWhenSocketKnown(t *testing.T) {
	sender := &fakeSender{}
	h := newResolvableHandler(sender, "203.0.113.40")
	h.SetHostnameAndPort("mesh.example.com", 40102)
	require.NoError(t, h.Resolve(context.Background()))

	h.SendPathQuery("/oasis/plaza")
	require.Len(t, sender.sent, 1)
	assert.Empty(t, h.PendingPath())
}

func TestPendingPathSurvivesExternalReset(t *testing.T) {
	h := newResolvableHandler(&fakeSender{}, "203.0.113.40")
	h.SetHostnameAndPort("mesh.example.com", 40102)
	h.SendPathQuery("/oasis/plaza")

	h.SoftReset(false)
	assert.Equal(t, "/oasis/plaza", h.PendingPath())

	h.SoftReset(true)
	assert.Empty(t, h.PendingPath())
}
