package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ligustah/fecget/internal/config"
	"github.com/ligustah/fecget/internal/downloader"
	fechttp "github.com/ligustah/fecget/internal/http"
	"github.com/ligustah/fecget/internal/integrity"
	"github.com/ligustah/fecget/internal/logging"
	"github.com/ligustah/fecget/pkg/erasure"
	"github.com/ligustah/fecget/pkg/sharded"
)

// Exit codes
const (
	ExitSuccess            = 0
	ExitGeneralError       = 1
	ExitInvalidArgs        = 2
	ExitSourceNotAccess    = 3
	ExitRangeNotSatisfied  = 4
	ExitStorageError       = 5
	ExitInsufficientShards = 6
	ExitValidationFailed   = 7
	ExitCancelled          = 8
)

var version = "dev"

// exitError carries an exit code chosen by a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func usageError(format string, args ...interface{}) error {
	return &exitError{code: ExitInvalidArgs, err: fmt.Errorf(format, args...)}
}

func storageError(err error) error {
	return withCode(ExitStorageError, err)
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	var (
		insufficient *erasure.InsufficientShardsError
		mismatch     *integrity.MismatchError
		retry        *fechttp.RetryError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.As(err, &insufficient):
		return ExitInsufficientShards
	case errors.As(err, &mismatch), errors.Is(err, downloader.ErrSizeMismatch):
		return ExitValidationFailed
	case errors.Is(err, fechttp.ErrRangeNotSatisfiable):
		return ExitRangeNotSatisfied
	case errors.Is(err, fechttp.ErrNotFound),
		errors.Is(err, fechttp.ErrForbidden),
		errors.Is(err, fechttp.ErrUnauthorized),
		errors.Is(err, fechttp.ErrServerError),
		errors.Is(err, downloader.ErrUnknownSize),
		errors.Is(err, sharded.ErrInvalidManifest),
		errors.As(err, &retry):
		return ExitSourceNotAccess
	case errors.Is(err, config.ErrUnknownKey):
		return ExitInvalidArgs
	}
	return ExitGeneralError
}

// env is the state shared by every command, built in before.
type env struct {
	provider *config.Provider
	cfg      config.Config
	log      *logrus.Logger
	closer   io.Closer
	stdout   io.Writer
	stderr   io.Writer
}

func getEnv(c *cli.Context) *env {
	return c.App.Metadata["env"].(*env)
}

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	err := app.Run(args)
	code := exitCode(err)
	if err != nil && code != ExitCancelled {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

func newApp(stdout, stderr io.Writer) *cli.App {
	e := &env{stdout: stdout, stderr: stderr}

	return &cli.App{
		Name:      "fecget",
		Usage:     "fault-tolerant multi-source downloads with erasure coding",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Metadata:  map[string]interface{}{"env": e},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML configuration file",
				EnvVars: []string{"FECGET_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			return e.load(c.String("config"), c.String("log-level"))
		},
		After: func(c *cli.Context) error {
			if e.closer != nil {
				return e.closer.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			downloadCmd,
			publishCmd,
			serveCmd,
			validateCmd,
			repairCmd,
			deleteCmd,
			peersCmd,
			netstatCmd,
			settingsCmd,
		},
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				return usageError("unknown command %q", c.Args().First())
			}
			cli.ShowAppHelp(c)
			return usageError("no command given")
		},
		OnUsageError: func(c *cli.Context, err error, isSubcommand bool) error {
			return withCode(ExitInvalidArgs, err)
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// load reads the configuration and builds the logger.
func (e *env) load(path, level string) error {
	p, err := config.NewProvider(path)
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}
	if level != "" {
		if err := p.Set("logging.level", level); err != nil {
			return withCode(ExitInvalidArgs, err)
		}
	}
	cfg, err := p.Snapshot()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}

	log, closer, err := logging.NewTo(cfg.Logging, e.stderr)
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}

	e.provider = p
	e.cfg = cfg
	e.log = log
	e.closer = closer
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, stderr io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[fecget] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
