package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ligustah/fecget/pkg/sharded"
)

var errInvalidShardSet = errors.New("shard set is not intact")

var validateCmd = &cli.Command{
	Name:  "validate",
	Usage: "check that every shard of a published file is present",
	Description: `Without --deep only shard sizes are compared with the manifest. With
--deep every shard is downloaded and data shards are checked against
their digests.`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bucket", Usage: "bucket URL (required)"},
		&cli.StringFlag{Name: "object", Usage: "object key (required)"},
		&cli.BoolFlag{Name: "deep", Usage: "download and verify shard contents"},
	},
	Action: runValidate,
}

func runValidate(c *cli.Context) error {
	e := getEnv(c)
	object := c.String("object")
	if object == "" {
		return usageError("--object is required")
	}

	ctx, cancel := signalContext(c.Context, e.stderr)
	defer cancel()

	bucket, err := openBucket(ctx, c.String("bucket"))
	if err != nil {
		return err
	}
	defer bucket.Close()

	validate := sharded.Validate
	if c.Bool("deep") {
		validate = sharded.ValidateDeep
	}
	result, err := validate(ctx, bucket, object)
	if err != nil {
		return storageError(err)
	}

	w := e.stdout
	fmt.Fprintf(w, "File: %s\n", object)
	fmt.Fprintf(w, "Total size: %d bytes\n", result.TotalSize)
	fmt.Fprintf(w, "Stripes: %d\n", result.StripeCount)
	fmt.Fprintf(w, "Shards: %d\n", result.ShardCount)

	if result.Valid {
		fmt.Fprintln(w, "Status: VALID")
		return nil
	}

	status := "DEGRADED (repairable)"
	if !result.Recoverable {
		status = "UNRECOVERABLE"
	}
	fmt.Fprintf(w, "Status: %s\n", status)
	fmt.Fprintf(w, "Missing shards: %d\n", result.MissingShards)
	fmt.Fprintf(w, "Size mismatches: %d\n", result.SizeMismatches)
	if c.Bool("deep") {
		fmt.Fprintf(w, "Corrupt shards: %d\n", result.CorruptShards)
	}
	if len(result.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, msg := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}
	return withCode(ExitValidationFailed, errInvalidShardSet)
}
