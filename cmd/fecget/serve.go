package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/urfave/cli/v2"

	"github.com/ligustah/fecget/internal/seed"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "serve a bucket over HTTP as a download source",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bucket", Usage: "bucket URL (required)"},
		&cli.StringFlag{Name: "listen", Usage: "listen address, default :<network.port>"},
		&cli.StringFlag{Name: "name", Usage: "node name reported by /info"},
	},
	Action: runServe,
}

func runServe(c *cli.Context) error {
	e := getEnv(c)
	addr := c.String("listen")
	if addr == "" {
		addr = fmt.Sprintf(":%d", e.cfg.Network.Port)
	}

	ctx, cancel := signalContext(c.Context, e.stderr)
	defer cancel()

	bucket, err := openBucket(ctx, c.String("bucket"))
	if err != nil {
		return err
	}
	defer bucket.Close()

	s := seed.New(seed.Options{
		Bucket:  bucket,
		Name:    c.String("name"),
		Version: version,
		Logger:  e.log,
	})
	err = s.ListenAndServe(ctx, addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	stats := s.Stats()
	e.log.WithField("requests", stats.Requests).WithField("bytes", stats.BytesServed).Info("Seed server stopped")
	return nil
}
