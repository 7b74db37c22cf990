package netmon

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParseAddr(s)
	}
	return out
}

func TestMonitorEmitsOnAddressChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	current := addrs("192.168.1.20")

	m := New(Config{PollInterval: 5 * time.Millisecond, DebounceInterval: time.Millisecond}, clock.New())
	m.listAddrs = func() ([]netip.Addr, error) {
		mu.Lock()
		defer mu.Unlock()
		return current, nil
	}

	events := m.Start(ctx)

	// Unchanged set stays quiet.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	current = addrs("10.0.0.7")
	mu.Unlock()

	select {
	case ev := <-events:
		assert.Equal(t, addrs("10.0.0.7"), ev.Addrs)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after address change")
	}
}

func TestMonitorOrderInsensitiveFingerprint(t *testing.T) {
	a := fingerprint(addrs("10.0.0.7", "192.168.1.20"))
	b := fingerprint(addrs("192.168.1.20", "10.0.0.7"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, fingerprint(addrs("10.0.0.7")))
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan Event)
	out := NewDebouncer(input, 20*time.Millisecond, clock.New()).Run(ctx)

	for i := 0; i < 3; i++ {
		input <- Event{Addrs: addrs("10.0.0.7"), Timestamp: time.Now().Add(time.Duration(i))}
	}

	select {
	case ev := <-out:
		assert.Equal(t, addrs("10.0.0.7"), ev.Addrs)
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer never emitted")
	}

	// The burst collapsed to one event.
	select {
	case ev := <-out:
		t.Fatalf("unexpected second event: %v", ev)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDebouncerFlushesOnInputClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan Event, 1)
	out := NewDebouncer(input, time.Hour, clock.New()).Run(ctx)

	input <- Event{Addrs: addrs("10.0.0.7")}
	close(input)

	select {
	case ev, ok := <-out:
		require.True(t, ok)
		assert.Equal(t, addrs("10.0.0.7"), ev.Addrs)
	case <-time.After(2 * time.Second):
		t.Fatal("pending event not flushed")
	}
}
