package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ligustah/fecget/internal/progress"
	"github.com/ligustah/fecget/pkg/sharded"
)

var publishCmd = &cli.Command{
	Name:  "publish",
	Usage: "encode a local file into shards and store them in a bucket",
	Description: `Split the input into blocks, add parity with a k+m Reed-Solomon code and
write every shard plus a JSON manifest below --object. Serve the bucket
with "fecget serve" or any static HTTP server and download
<object>.manifest.json.`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "file to publish (required)"},
		&cli.StringFlag{Name: "bucket", Usage: "destination bucket URL (required)"},
		&cli.StringFlag{Name: "object", Usage: "destination object key, default the input file name"},
		&cli.IntFlag{Name: "data-shards", Usage: "k, default erasure.data_shards"},
		&cli.IntFlag{Name: "parity-shards", Usage: "m, default erasure.parity_shards"},
		&cli.StringFlag{Name: "block-size", Usage: "shard size, default erasure.block_size"},
		&cli.StringSliceFlag{Name: "mirror", Usage: "base URL of another copy of the layout"},
		&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "parallel shard uploads per stripe"},
	},
	Action: runPublish,
}

func runPublish(c *cli.Context) error {
	e := getEnv(c)
	input := c.String("input")
	if input == "" {
		return usageError("--input is required")
	}
	object := c.String("object")
	if object == "" {
		object = baseName(input)
	}

	k, m := e.cfg.Erasure.DataShards, e.cfg.Erasure.ParityShards
	if c.IsSet("data-shards") {
		k = c.Int("data-shards")
	}
	if c.IsSet("parity-shards") {
		m = c.Int("parity-shards")
	}
	blockSize := int64(e.cfg.Erasure.BlockSize)
	if s := c.String("block-size"); s != "" {
		b, err := progress.ParseBytes(s)
		if err != nil {
			return usageError("invalid --block-size: %v", err)
		}
		blockSize = b
	}

	f, err := os.Open(input)
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context, e.stderr)
	defer cancel()

	bucket, err := openBucket(ctx, c.String("bucket"))
	if err != nil {
		return err
	}
	defer bucket.Close()

	log := e.log.WithFields(logrus.Fields{"object": object, "code": fmt.Sprintf("%d+%d", k, m)})
	log.WithField("size", fi.Size()).Info("Publishing")

	stripeBytes := blockSize * int64(k)
	manifest, err := sharded.Publish(ctx, bucket, object, f,
		sharded.WithDataShards(k),
		sharded.WithParityShards(m),
		sharded.WithBlockSize(blockSize),
		sharded.WithMirrors(c.StringSlice("mirror")...),
		sharded.WithConcurrency(c.Int("concurrency")),
		sharded.WithMetadata(map[string]string{"source_file": baseName(input)}),
		sharded.WithProgress(func(stripe int, n int64) {
			log.WithFields(logrus.Fields{
				"stripe": stripe,
				"done":   progress.FormatBytes(int64(stripe)*stripeBytes + n),
			}).Debug("Stripe stored")
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return storageError(err)
	}

	fmt.Fprintf(e.stdout, "Published %s as %d stripes of %d+%d shards (%s blocks)\n",
		object, manifest.StripeCount(), manifest.DataShards, manifest.ParityShards,
		progress.FormatBytes(manifest.BlockSize))
	fmt.Fprintf(e.stdout, "Manifest: %s\n", sharded.ManifestKey(object))
	return nil
}

func baseName(path string) string {
	return filepath.Base(filepath.Clean(path))
}
