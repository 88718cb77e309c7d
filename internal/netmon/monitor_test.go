package netmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/fecget/internal/logging"
)

type fakeSource struct {
	mu       sync.Mutex
	counters []psnet.IOCountersStat
	err      error
}

func (f *fakeSource) set(c ...psnet.IOCountersStat) {
	f.mu.Lock()
	f.counters = c
	f.mu.Unlock()
}

func (f *fakeSource) Counters(ctx context.Context) ([]psnet.IOCountersStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]psnet.IOCountersStat(nil), f.counters...), f.err
}

func (f *fakeSource) Interfaces(ctx context.Context) (psnet.InterfaceStatList, error) {
	return psnet.InterfaceStatList{
		{Name: "lo", Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}, {Addr: "::1/128"}}},
		{Name: "eth0", Addrs: psnet.InterfaceAddrList{{Addr: "fe80::1/64"}, {Addr: "10.0.0.5/24"}}},
		{Name: "tun0", Addrs: psnet.InterfaceAddrList{{Addr: "fd00::2/64"}}},
	}, nil
}

func (f *fakeSource) Connections(ctx context.Context) (int, error) {
	return 7, nil
}

func newTestMonitor(src Source, ifaces ...string) (*Monitor, *time.Time) {
	m := New(Options{Source: src, Interfaces: ifaces, Logger: logging.Discard()})
	now := time.Unix(1000, 0)
	m.nowFunc = func() time.Time { return now }
	return m, &now
}

func TestPollRates(t *testing.T) {
	src := &fakeSource{}
	m, now := newTestMonitor(src)
	ctx := context.Background()

	src.set(
		psnet.IOCountersStat{Name: "eth0", BytesSent: 1000, BytesRecv: 5000},
		psnet.IOCountersStat{Name: "lo", BytesSent: 10, BytesRecv: 10},
	)
	stats, err := m.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "eth0", stats[0].Interface)
	require.Zero(t, stats[0].SendRate)

	*now = now.Add(2 * time.Second)
	src.set(
		psnet.IOCountersStat{Name: "eth0", BytesSent: 3000, BytesRecv: 9000, Errin: 1, Dropout: 2},
		psnet.IOCountersStat{Name: "lo", BytesSent: 10, BytesRecv: 10},
	)
	stats, err = m.Poll(ctx)
	require.NoError(t, err)
	require.InDelta(t, 1000, stats[0].SendRate, 0.001)
	require.InDelta(t, 2000, stats[0].RecvRate, 0.001)
	require.EqualValues(t, 1, stats[0].Errors)
	require.EqualValues(t, 2, stats[0].Drops)
	require.Zero(t, stats[1].SendRate)

	total := m.Total()
	require.InDelta(t, 1000, total.SendRate, 0.001)
	require.InDelta(t, 2000, total.RecvRate, 0.001)
}

func TestPollCounterReset(t *testing.T) {
	src := &fakeSource{}
	m, now := newTestMonitor(src)
	ctx := context.Background()

	src.set(psnet.IOCountersStat{Name: "eth0", BytesSent: 5000, BytesRecv: 5000})
	_, err := m.Poll(ctx)
	require.NoError(t, err)

	*now = now.Add(time.Second)
	src.set(psnet.IOCountersStat{Name: "eth0", BytesSent: 100, BytesRecv: 6000})
	stats, err := m.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, stats[0].SendRate)
	require.InDelta(t, 1000, stats[0].RecvRate, 0.001)
}

func TestPollFilter(t *testing.T) {
	src := &fakeSource{}
	m, _ := newTestMonitor(src, "eth0")

	src.set(
		psnet.IOCountersStat{Name: "eth0", BytesSent: 1},
		psnet.IOCountersStat{Name: "lo", BytesSent: 1},
	)
	stats, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "eth0", stats[0].Interface)

	m.Reset()
	require.Empty(t, m.Stats())
}

func TestPollError(t *testing.T) {
	boom := errors.New("boom")
	m, _ := newTestMonitor(&fakeSource{err: boom})
	_, err := m.Poll(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestWatch(t *testing.T) {
	src := &fakeSource{}
	src.set(psnet.IOCountersStat{Name: "eth0", BytesSent: 1})
	m := New(Options{Source: src, Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := m.Watch(ctx, time.Millisecond, func(stats []Stats) {
		calls++
		if calls == 3 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 3, calls)
}

func TestAddressesAndConnections(t *testing.T) {
	m, _ := newTestMonitor(&fakeSource{})
	ctx := context.Background()

	addrs, err := m.Addresses(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"lo": "127.0.0.1", "eth0": "10.0.0.5"}, addrs)

	n, err := m.Connections(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, n)
}
