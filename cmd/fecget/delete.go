package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ligustah/fecget/pkg/sharded"
)

var deleteCmd = &cli.Command{
	Name:  "delete",
	Usage: "remove a published file and all its shards",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bucket", Usage: "bucket URL (required)"},
		&cli.StringFlag{Name: "object", Usage: "object key (required)"},
		&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "skip confirmation prompt"},
		&cli.BoolFlag{Name: "partial", Usage: "remove shards of a publish that never finished"},
	},
	Action: runDelete,
}

func runDelete(c *cli.Context) error {
	e := getEnv(c)
	object := c.String("object")
	if object == "" || c.String("bucket") == "" {
		return usageError("--bucket and --object are required")
	}

	if !c.Bool("force") {
		fmt.Fprintf(e.stdout, "Delete %s from %s? [y/N]: ", object, c.String("bucket"))
		response, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(e.stderr, "Cancelled")
			return nil
		}
	}

	ctx, cancel := signalContext(c.Context, e.stderr)
	defer cancel()

	bucket, err := openBucket(ctx, c.String("bucket"))
	if err != nil {
		return err
	}
	defer bucket.Close()

	if c.Bool("partial") {
		err = sharded.DeletePartial(ctx, bucket, object)
	} else {
		err = sharded.Delete(ctx, bucket, object)
	}
	if err != nil {
		return storageError(err)
	}

	fmt.Fprintf(e.stderr, "[fecget] Deleted: %s\n", object)
	return nil
}
