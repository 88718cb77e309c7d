package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ligustah/fecget/internal/netmon"
	"github.com/ligustah/fecget/internal/progress"
)

var netstatCmd = &cli.Command{
	Name:  "netstat",
	Usage: "report per-interface network throughput",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "time between samples"},
		&cli.IntFlag{Name: "samples", Value: 2, Usage: "number of samples, the first only primes the counters"},
		&cli.StringSliceFlag{Name: "interface", Aliases: []string{"i"}, Usage: "limit to the named interface (repeatable)"},
	},
	Action: runNetstat,
}

func runNetstat(c *cli.Context) error {
	e := getEnv(c)
	if c.Int("samples") < 1 {
		return usageError("--samples must be at least 1")
	}
	if c.Duration("interval") <= 0 {
		return usageError("--interval must be positive")
	}

	ctx, cancel := signalContext(c.Context, e.stderr)
	defer cancel()

	m := netmon.New(netmon.Options{
		Interfaces: c.StringSlice("interface"),
		Logger:     e.log,
	})
	return sampleNetwork(ctx, m, c.Duration("interval"), c.Int("samples"), e)
}

// sampleNetwork polls m samples times, then prints the latest rates.
func sampleNetwork(ctx context.Context, m *netmon.Monitor, interval time.Duration, samples int, e *env) error {
	watchCtx, stop := context.WithCancel(ctx)
	defer stop()

	n := 0
	var last []netmon.Stats
	err := m.Watch(watchCtx, interval, func(stats []netmon.Stats) {
		last = stats
		n++
		if n >= samples {
			stop()
		}
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no network counters read")
	}

	addrs, err := m.Addresses(ctx)
	if err != nil {
		e.log.WithError(err).Debug("List interface addresses failed")
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INTERFACE\tADDRESS\tSENT\tRECEIVED\tSEND/s\tRECV/s\tERRORS\tDROPS")
	for _, s := range last {
		addr := addrs[s.Interface]
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.Interface, addr,
			progress.FormatBytes(int64(s.BytesSent)), progress.FormatBytes(int64(s.BytesRecv)),
			progress.FormatBytes(int64(s.SendRate)), progress.FormatBytes(int64(s.RecvRate)),
			s.Errors, s.Drops)
	}
	tw.Flush()

	total := m.Total()
	fmt.Fprintf(e.stdout, "\nTotal: %s/s up, %s/s down\n",
		progress.FormatBytes(int64(total.SendRate)), progress.FormatBytes(int64(total.RecvRate)))

	if conns, err := m.Connections(ctx); err == nil {
		fmt.Fprintf(e.stdout, "Open connections: %d\n", conns)
	} else {
		e.log.WithError(err).Debug("Count connections failed")
	}
	return nil
}
