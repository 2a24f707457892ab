package packet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"firestige.xyz/magicreboot/internal/core"
	"firestige.xyz/magicreboot/internal/metrics"
	"firestige.xyz/magicreboot/internal/utils"
)

type frame struct {
	data    []byte
	pktType uint8 // zero is PACKET_HOST
}

// fakeConn hands out queued frames and times out when the queue is empty.
type fakeConn struct {
	frames chan frame
	drops  atomic.Uint32
	closed atomic.Bool
}

func (c *fakeConn) Recv(buf []byte) (int, uint8, int, error) {
	select {
	case f := <-c.frames:
		return copy(buf, f.data), f.pktType, 3, nil
	case <-time.After(5 * time.Millisecond):
		return 0, 0, 0, errTimeout
	}
}

func (c *fakeConn) Drops() (uint32, error) { return c.drops.Swap(0), nil }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	failFor core.Family
	filters [][]bpf.RawInstruction
	fanout  []int
}

func (d *fakeDialer) dial(family core.Family, _ int, fanoutID int, filter []bpf.RawInstruction, _ time.Duration) (conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if family == d.failFor {
		return nil, errors.New("address family not supported by protocol")
	}
	c := &fakeConn{frames: make(chan frame, 16)}
	d.conns = append(d.conns, c)
	d.filters = append(d.filters, filter)
	d.fanout = append(d.fanout, fanoutID)
	return c, nil
}

func newTestHost(workers int, d *fakeDialer) *Host {
	h := New(Config{Port: 999, Workers: workers}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.dial = d.dial
	return h
}

func TestRegister_DeliversInboundFrames(t *testing.T) {
	d := &fakeDialer{}
	h := newTestHost(1, d)

	got := make(chan core.RawPacket, 8)
	err := h.Register(context.Background(), core.FamilyIPv4, func(pkt core.RawPacket) core.Verdict {
		pkt.Data = append([]byte(nil), pkt.Data...)
		got <- pkt
		return core.VerdictAccept
	})
	require.NoError(t, err)

	d.conns[0].frames <- frame{data: []byte{0x45, 1, 2}, pktType: utils.PacketOutgoing}
	d.conns[0].frames <- frame{data: []byte{0x45, 4, 5}}

	select {
	case pkt := <-got:
		assert.Equal(t, core.FamilyIPv4, pkt.Family)
		assert.Equal(t, []byte{0x45, 4, 5}, pkt.Data)
		assert.Equal(t, uint32(3), pkt.CaptureLen)
		assert.Equal(t, 3, pkt.InterfaceIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	require.NoError(t, h.Unregister(core.FamilyIPv4))
	assert.True(t, d.conns[0].closed.Load())
	assert.Empty(t, got, "outgoing frame must be skipped")
}

func TestRegister_SkipsFramesForOtherHosts(t *testing.T) {
	d := &fakeDialer{}
	h := newTestHost(1, d)

	got := make(chan []byte, 8)
	err := h.Register(context.Background(), core.FamilyIPv4, func(pkt core.RawPacket) core.Verdict {
		got <- append([]byte(nil), pkt.Data...)
		return core.VerdictAccept
	})
	require.NoError(t, err)

	frames := []frame{
		{data: []byte{0x45, 3}, pktType: utils.PacketOtherHost},
		{data: []byte{0x45, 4}, pktType: utils.PacketOutgoing},
		{data: []byte{0x45, 5}, pktType: 5}, // PACKET_LOOPBACK
		{data: []byte{0x45, 0}, pktType: utils.PacketHost},
		{data: []byte{0x45, 1}, pktType: utils.PacketBroadcast},
		{data: []byte{0x45, 2}, pktType: utils.PacketMulticast},
	}
	for _, f := range frames {
		d.conns[0].frames <- f
	}

	var delivered [][]byte
	for len(delivered) < 3 {
		select {
		case data := <-got:
			delivered = append(delivered, data)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d frames delivered", len(delivered))
		}
	}

	require.NoError(t, h.Unregister(core.FamilyIPv4))
	assert.Equal(t, [][]byte{{0x45, 0}, {0x45, 1}, {0x45, 2}}, delivered)
	assert.Empty(t, got, "frames not received for this host must be skipped")
}

func TestReadLoop_CountsDropsPerSocket(t *testing.T) {
	d := &fakeDialer{}
	h := newTestHost(1, d)
	counter := metrics.CaptureDropsTotal.WithLabelValues("packet", "IPv6")
	before := testutil.ToFloat64(counter)

	require.NoError(t, h.Register(context.Background(), core.FamilyIPv6, func(core.RawPacket) core.Verdict {
		return core.VerdictAccept
	}))
	d.conns[0].drops.Store(7)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(counter) == before+7
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.Unregister(core.FamilyIPv6))
}

func TestRegister_Workers(t *testing.T) {
	d := &fakeDialer{}
	h := newTestHost(3, d)

	require.NoError(t, h.Register(context.Background(), core.FamilyIPv6, func(core.RawPacket) core.Verdict {
		return core.VerdictAccept
	}))
	require.Len(t, d.conns, 3)
	assert.NotZero(t, d.fanout[0])
	assert.Equal(t, d.fanout[0], d.fanout[2])
	assert.NotEmpty(t, d.filters[0])

	require.NoError(t, h.Unregister(core.FamilyIPv6))
	for _, c := range d.conns {
		assert.True(t, c.closed.Load())
	}
}

func TestRegister_Twice(t *testing.T) {
	h := newTestHost(1, &fakeDialer{})
	noop := func(core.RawPacket) core.Verdict { return core.VerdictAccept }

	require.NoError(t, h.Register(context.Background(), core.FamilyIPv4, noop))
	assert.ErrorIs(t, h.Register(context.Background(), core.FamilyIPv4, noop), core.ErrHookAlreadyRegistered)
	require.NoError(t, h.Unregister(core.FamilyIPv4))
}

func TestRegister_DialFailure(t *testing.T) {
	d := &fakeDialer{failFor: core.FamilyIPv6}
	h := newTestHost(2, d)

	err := h.Register(context.Background(), core.FamilyIPv6, func(core.RawPacket) core.Verdict {
		return core.VerdictAccept
	})
	assert.Error(t, err)
	assert.ErrorIs(t, h.Unregister(core.FamilyIPv6), core.ErrHookNotRegistered)
}

func TestRegister_UnknownInterface(t *testing.T) {
	h := New(Config{Interface: "does-not-exist0", Port: 999}, nil)
	h.dial = (&fakeDialer{}).dial

	err := h.Register(context.Background(), core.FamilyIPv4, func(core.RawPacket) core.Verdict {
		return core.VerdictAccept
	})
	assert.Error(t, err)
}

func TestUnregister_WaitsForInFlightHook(t *testing.T) {
	d := &fakeDialer{}
	h := newTestHost(1, d)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, h.Register(context.Background(), core.FamilyIPv4, func(core.RawPacket) core.Verdict {
		close(entered)
		<-release
		finished.Store(true)
		return core.VerdictAccept
	}))

	d.conns[0].frames <- frame{data: []byte{0x45}}
	<-entered

	done := make(chan error)
	go func() { done <- h.Unregister(core.FamilyIPv4) }()

	select {
	case <-done:
		t.Fatal("Unregister returned while the hook was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.True(t, finished.Load())
}

func TestParentContextStopsReaders(t *testing.T) {
	d := &fakeDialer{}
	h := newTestHost(1, d)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	require.NoError(t, h.Register(ctx, core.FamilyIPv4, func(core.RawPacket) core.Verdict {
		calls.Add(1)
		return core.VerdictAccept
	}))
	cancel()

	require.NoError(t, h.Unregister(core.FamilyIPv4))
	d.conns[0].frames <- frame{data: []byte{0x45}}
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestFanoutGroup(t *testing.T) {
	v4, v6 := fanoutGroup(core.FamilyIPv4), fanoutGroup(core.FamilyIPv6)
	assert.NotEqual(t, v4, v6)
	assert.NotZero(t, v4)
	assert.LessOrEqual(t, v6, 0xffff)
}
