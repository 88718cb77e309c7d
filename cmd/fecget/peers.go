package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	fechttp "github.com/ligustah/fecget/internal/http"
	"github.com/ligustah/fecget/internal/peers"
	"github.com/ligustah/fecget/internal/progress"
)

var peersCmd = &cli.Command{
	Name:  "peers",
	Usage: "query seed nodes and rank them by measured throughput",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "peer", Usage: "seed base URL, e.g. http://host:8000 (repeatable)"},
		&cli.StringFlag{Name: "probe", Usage: "object key to probe on every peer, default the first advertised manifest"},
		&cli.BoolFlag{Name: "retest", Usage: "probe slow peers a second time before ranking"},
		&cli.StringFlag{Name: "retest-below", Usage: "throughput under which --retest re-probes, default 100KiB"},
		&cli.IntFlag{Name: "top", Value: peers.DefaultTopN, Usage: "number of peers listed as best"},
	},
	Action: runPeers,
}

type peerReport struct {
	addr  string
	info  *fechttp.PeerInfo
	rtt   time.Duration
	probe string
	err   error
}

func runPeers(c *cli.Context) error {
	e := getEnv(c)
	addrs := c.StringSlice("peer")
	if len(addrs) == 0 {
		return usageError("at least one --peer is required")
	}
	if c.Int("top") < 1 {
		return usageError("--top must be at least 1")
	}
	threshold := float64(peers.DefaultRetestThreshold)
	if s := c.String("retest-below"); s != "" {
		b, err := progress.ParseBytes(s)
		if err != nil {
			return usageError("invalid --retest-below: %v", err)
		}
		threshold = float64(b)
	}

	ctx, cancel := signalContext(c.Context, e.stderr)
	defer cancel()

	client := fechttp.NewClient(fechttp.Options{
		Timeout:       e.cfg.Download.Timeout,
		RetryAttempts: 1,
		Concurrency:   len(addrs),
	})
	ranker := peers.NewRanker(client, peers.Options{
		ProbeSize: int64(e.cfg.Network.ProbeSize),
		ProbeTTL:  e.cfg.Network.ProbeTTL,
		Logger:    e.log,
	})

	reports := make([]peerReport, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, strings.TrimRight(addr, "/")
		g.Go(func() error {
			r := peerReport{addr: addr}
			defer func() { reports[i] = r }()

			sess := client.NewSession(addr)
			if r.err = sess.Connect(gctx); r.err != nil {
				return nil
			}
			defer sess.Disconnect()
			if r.rtt, r.err = sess.Ping(gctx); r.err != nil {
				return nil
			}
			if r.info, r.err = sess.Info(gctx); r.err != nil {
				return nil
			}

			key := c.String("probe")
			if key == "" && len(r.info.Objects) > 0 {
				key = r.info.Objects[0]
			}
			if key != "" {
				r.probe = addr + "/files/" + key
				if _, err := ranker.Probe(gctx, r.probe); err != nil {
					e.log.WithError(err).WithField("peer", addr).Warn("Probe failed")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if c.Bool("retest") {
		ranker.RetestBelow(ctx, threshold)
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tID\tRTT\tOBJECTS\tTHROUGHPUT\tSTATUS")
	failed := 0
	for _, r := range reports {
		if r.err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t%v\n", r.addr, r.err)
			continue
		}
		throughput, status := "-", "reachable"
		if r.probe != "" {
			ep, err := peers.ParseEndpoint(r.probe)
			if err == nil {
				if rec, ok := ranker.Record(ep); ok {
					throughput = progress.FormatBytes(int64(rec.Throughput)) + "/s"
					if !rec.Reliable() {
						status = "unreliable"
					}
				}
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.addr, shortID(r.info.ID), r.rtt.Round(time.Millisecond), len(r.info.Objects), throughput, status)
	}
	tw.Flush()

	if best := ranker.Best(c.Int("top")); len(best) > 0 {
		names := make([]string, len(best))
		for i, ep := range best {
			names[i] = ep.String()
		}
		fmt.Fprintf(e.stdout, "\nBest: %s\n", strings.Join(names, ", "))
	}

	if failed == len(reports) {
		return withCode(ExitSourceNotAccess, fmt.Errorf("no peer reachable"))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
