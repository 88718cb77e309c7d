package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ligustah/fecget/internal/config"
	"github.com/ligustah/fecget/internal/downloader"
	"github.com/ligustah/fecget/internal/progress"
)

var downloadCmd = &cli.Command{
	Name:      "download",
	Usage:     "fetch a file from one or more sources",
	ArgsUsage: " ",
	Description: `Download a plain file in byte ranges, or an erasure-coded shard set when
--source names a .manifest.json. Mirrors serve the same content and are
tried when the source fails.`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Usage: "source URL (required)"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output path, default storage.download_path/<name>"},
		&cli.StringSliceFlag{Name: "mirror", Usage: "additional location of the same content"},
		&cli.IntFlag{Name: "workers", Usage: "parallel fetches, default download.max_concurrent_downloads"},
		&cli.StringFlag{Name: "max-speed", Usage: "transfer speed limit per second, e.g. 10MiB"},
		&cli.BoolFlag{Name: "progress", Usage: "show progress output"},
		&cli.DurationFlag{Name: "progress-interval", Value: 2 * time.Second, Usage: "progress update interval"},
		&cli.BoolFlag{Name: "no-verify", Usage: "skip digest checks"},
	},
	Action: runDownload,
}

func runDownload(c *cli.Context) error {
	e := getEnv(c)
	source := c.String("source")
	if source == "" {
		return usageError("--source is required")
	}

	cfg := e.cfg
	if c.Bool("no-verify") {
		cfg.Download.Verify = false
	}
	if c.IsSet("workers") {
		if c.Int("workers") < 1 {
			return usageError("--workers must be at least 1")
		}
		cfg.Download.MaxConcurrentDownloads = c.Int("workers")
	}
	if s := c.String("max-speed"); s != "" {
		bps, err := progress.ParseBytes(s)
		if err != nil {
			return usageError("invalid --max-speed: %v", err)
		}
		cfg.Download.MaxSpeed = config.ByteSize(bps)
	}

	o, err := downloader.New(downloader.Options{Config: cfg, Logger: e.log})
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}

	ctx, cancel := signalContext(c.Context, e.stderr)
	defer cancel()

	events, unsubscribe := o.Subscribe(4096)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		watchTransfer(o, events, c.Bool("progress"), c.Duration("progress-interval"), e)
	}()

	res, err := o.Run(ctx, downloader.Request{
		Source:      source,
		Mirrors:     c.StringSlice("mirror"),
		Destination: c.String("output"),
	}, nil)
	unsubscribe()
	<-watched

	if err != nil {
		if res != nil && res.Transfer.State == downloader.StateCancelled {
			fmt.Fprintln(e.stderr, "[fecget] Download cancelled, partial output removed")
		}
		return err
	}

	fmt.Fprintf(e.stderr, "[fecget] Downloaded %s to %s in %s\n",
		progress.FormatBytes(res.Transfer.TotalSize), res.Path, res.Elapsed.Round(time.Millisecond))
	if res.Substituted > 0 {
		fmt.Fprintf(e.stderr, "[fecget] %d lost shards replaced by parity\n", res.Substituted)
	}
	return nil
}

// watchTransfer consumes orchestrator events until the subscription ends,
// feeding a progress reporter when show is set.
func watchTransfer(o *downloader.Orchestrator, events <-chan downloader.Event, show bool, interval time.Duration, e *env) {
	var reporter *progress.Reporter
	defer func() {
		if reporter != nil {
			reporter.Stop()
		}
	}()

	for ev := range events {
		switch ev.Kind {
		case downloader.EventPlanned:
			if !show {
				continue
			}
			t, _ := o.Snapshot()
			opts := progress.Options{
				TotalSize:      t.TotalSize,
				TotalShards:    ev.Shards,
				Workers:        o.Settings().MaxConcurrentDownloads,
				Output:         e.stderr,
				UpdateInterval: interval,
				SourceURL:      t.Source,
				ShardSize:      t.ChunkSize,
			}
			if t.Erasure() {
				opts.Erasure = fmt.Sprintf("%d+%d", t.DataShards, t.ParityShards)
			}
			reporter = progress.NewReporter(opts)
			reporter.Start()
		case downloader.EventShardStarted:
			if reporter != nil {
				reporter.ShardStarted()
			}
		case downloader.EventShardDone:
			if reporter != nil {
				reporter.BytesWritten(ev.Bytes)
				reporter.ShardCompleted()
			}
		case downloader.EventShardRetry:
			if reporter != nil {
				reporter.ShardFailed()
			}
			e.log.WithError(ev.Err).WithField("shard", ev.Index).Debug("Retrying chunk")
		case downloader.EventShardLost:
			if reporter != nil {
				reporter.ShardFailed()
			}
		case downloader.EventSubstituted:
			if reporter != nil {
				reporter.ShardSubstituted()
			}
		case downloader.EventState:
			if ev.State.Terminal() && reporter != nil {
				reporter.Stop()
				reporter = nil
			}
		}
	}
}
