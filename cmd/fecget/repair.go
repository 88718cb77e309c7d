package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ligustah/fecget/pkg/erasure"
	"github.com/ligustah/fecget/pkg/sharded"
)

var repairCmd = &cli.Command{
	Name:  "repair",
	Usage: "rebuild missing or corrupt shards from the intact ones",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bucket", Usage: "bucket URL (required)"},
		&cli.StringFlag{Name: "object", Usage: "object key (required)"},
	},
	Action: runRepair,
}

func runRepair(c *cli.Context) error {
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

	result, err := sharded.Repair(ctx, bucket, object)
	if err != nil {
		var insufficient *erasure.InsufficientShardsError
		if errors.Is(err, sharded.ErrUnrepairable) || errors.As(err, &insufficient) {
			return withCode(ExitInsufficientShards, err)
		}
		return storageError(err)
	}

	if len(result.Rewritten) == 0 {
		fmt.Fprintf(e.stdout, "%s: all %d stripes intact\n", object, result.Stripes)
		return nil
	}
	for _, ref := range result.Rewritten {
		e.log.WithField("stripe", ref.Stripe).WithField("shard", ref.Index).Info("Shard rewritten")
	}
	fmt.Fprintf(e.stdout, "%s: rewrote %d shards\n", object, len(result.Rewritten))
	return nil
}
