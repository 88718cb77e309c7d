package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/ligustah/fecget/internal/config"
)

var settingsCmd = &cli.Command{
	Name:  "settings",
	Usage: "inspect or change configuration keys",
	Subcommands: []*cli.Command{
		{
			Name:      "get",
			Usage:     "print the effective value of a key",
			ArgsUsage: "KEY",
			Action:    runSettingsGet,
		},
		{
			Name:      "set",
			Usage:     "set a key and save it to the config file",
			ArgsUsage: "KEY VALUE",
			Action:    runSettingsSet,
		},
		{
			Name:   "list",
			Usage:  "print every key with its effective value",
			Action: runSettingsList,
		},
		{
			Name:  "export",
			Usage: "write the effective configuration as YAML",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "file to write, default stdout"},
			},
			Action: runSettingsExport,
		},
	},
}

func runSettingsGet(c *cli.Context) error {
	if c.NArg() != 1 {
		return usageError("usage: settings get KEY")
	}
	v, err := getEnv(c).provider.GetString(c.Args().First())
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}
	fmt.Fprintln(getEnv(c).stdout, v)
	return nil
}

func runSettingsSet(c *cli.Context) error {
	if c.NArg() != 2 {
		return usageError("usage: settings set KEY VALUE")
	}
	e := getEnv(c)
	key, value := c.Args().Get(0), c.Args().Get(1)
	if err := e.provider.Set(key, value); err != nil {
		return withCode(ExitInvalidArgs, err)
	}
	if err := e.provider.Save(); err != nil {
		if errors.Is(err, config.ErrNoConfigFile) {
			return usageError("settings set needs --config or FECGET_CONFIG")
		}
		return storageError(err)
	}
	e.log.WithField("key", key).WithField("file", e.provider.Path()).Info("Setting saved")
	return nil
}

func runSettingsList(c *cli.Context) error {
	e := getEnv(c)
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	for _, key := range config.Keys() {
		v, err := e.provider.GetString(key)
		if err != nil {
			return withCode(ExitInvalidArgs, err)
		}
		source := "default"
		if e.provider.IsSet(key) {
			source = "set"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", key, v, source)
	}
	return tw.Flush()
}

func runSettingsExport(c *cli.Context) error {
	e := getEnv(c)
	cfg, err := e.provider.Snapshot()
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}
	if out := c.String("output"); out != "" {
		if err := cfg.SaveToFile(out); err != nil {
			return storageError(err)
		}
		fmt.Fprintf(e.stderr, "[fecget] Configuration written to %s\n", out)
		return nil
	}

	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	enc.Close()
	fmt.Fprint(e.stdout, b.String())
	return nil
}
