package netmon

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
)

// Source reads operating system network statistics.
type Source interface {
	Counters(ctx context.Context) ([]psnet.IOCountersStat, error)
	Interfaces(ctx context.Context) (psnet.InterfaceStatList, error)
	Connections(ctx context.Context) (int, error)
}

// System is the Source backed by the local host.
type System struct{}

func (System) Counters(ctx context.Context) ([]psnet.IOCountersStat, error) {
	return psnet.IOCountersWithContext(ctx, true)
}

func (System) Interfaces(ctx context.Context) (psnet.InterfaceStatList, error) {
	return psnet.InterfacesWithContext(ctx)
}

func (System) Connections(ctx context.Context) (int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return 0, err
	}
	return len(conns), nil
}

// Stats is the state of one interface after a poll.
type Stats struct {
	Interface string
	BytesSent uint64
	BytesRecv uint64
	Errors    uint64
	Drops     uint64
	SendRate  float64 // bytes per second since the previous poll
	RecvRate  float64
	Updated   time.Time
}

// Bandwidth is the sum of the rates of all interfaces.
type Bandwidth struct {
	SendRate float64
	RecvRate float64
}

// Options configures a Monitor.
type Options struct {
	Source Source

	// Interfaces limits polling to the named interfaces. Empty means all.
	Interfaces []string

	Logger logrus.FieldLogger
}

// Monitor derives per-interface transfer rates from cumulative counters.
// It only reports what it observes; it never throttles anything.
type Monitor struct {
	src     Source
	filter  map[string]bool
	log     logrus.FieldLogger
	nowFunc func() time.Time

	mu    sync.Mutex
	stats map[string]Stats
}

// New returns a Monitor reading from opts.Source, or the local host when
// nil.
func New(opts Options) *Monitor {
	src := opts.Source
	if src == nil {
		src = System{}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Monitor{
		src:     src,
		log:     log,
		nowFunc: time.Now,
		stats:   make(map[string]Stats),
	}
	if len(opts.Interfaces) > 0 {
		m.filter = make(map[string]bool, len(opts.Interfaces))
		for _, name := range opts.Interfaces {
			m.filter[name] = true
		}
	}
	return m
}

// Poll reads the counters once and updates the rates. The first poll of an
// interface reports zero rates. A counter that went backwards, e.g. after
// an interface reset, also reports zero.
func (m *Monitor) Poll(ctx context.Context) ([]Stats, error) {
	counters, err := m.src.Counters(ctx)
	if err != nil {
		return nil, err
	}
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range counters {
		if m.filter != nil && !m.filter[c.Name] {
			continue
		}
		next := Stats{
			Interface: c.Name,
			BytesSent: c.BytesSent,
			BytesRecv: c.BytesRecv,
			Errors:    c.Errin + c.Errout,
			Drops:     c.Dropin + c.Dropout,
			Updated:   now,
		}
		if prev, ok := m.stats[c.Name]; ok {
			if dt := now.Sub(prev.Updated).Seconds(); dt > 0 {
				next.SendRate = rate(prev.BytesSent, c.BytesSent, dt)
				next.RecvRate = rate(prev.BytesRecv, c.BytesRecv, dt)
			}
		}
		m.stats[c.Name] = next
	}
	return m.snapshotLocked(), nil
}

func rate(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}

// Watch polls every interval until ctx is done and passes each result to
// fn. Poll errors are logged and skipped.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, fn func([]Stats)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		stats, err := m.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.WithError(err).Warn("Network poll failed")
		} else if fn != nil {
			fn(stats)
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	return ctx.Err()
}

// Stats returns the result of the latest poll, sorted by interface name.
func (m *Monitor) Stats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() []Stats {
	out := make([]Stats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out
}

// Total sums the current rates of every interface.
func (m *Monitor) Total() Bandwidth {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b Bandwidth
	for _, s := range m.stats {
		b.SendRate += s.SendRate
		b.RecvRate += s.RecvRate
	}
	return b
}

// Reset forgets every observed counter.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.stats = make(map[string]Stats)
	m.mu.Unlock()
}

// Addresses returns the first IPv4 address of every interface that has one.
func (m *Monitor) Addresses(ctx context.Context) (map[string]string, error) {
	ifaces, err := m.src.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			addr := a.Addr
			if i := strings.IndexByte(addr, '/'); i >= 0 {
				addr = addr[:i]
			}
			ip, err := netip.ParseAddr(addr)
			if err != nil || !ip.Is4() {
				continue
			}
			out[iface.Name] = ip.String()
			break
		}
	}
	return out, nil
}

// Connections returns the number of open inet sockets.
func (m *Monitor) Connections(ctx context.Context) (int, error) {
	return m.src.Connections(ctx)
}
