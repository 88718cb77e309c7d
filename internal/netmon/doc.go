// Package netmon reports per-interface network counters and the transfer
// rates derived from them, using gopsutil.
//
//	m := netmon.New(netmon.Options{})
//	m.Watch(ctx, time.Second, func(stats []netmon.Stats) { ... })
package netmon
