package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"rawcapture/internal/config"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "manage the configuration file",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "write a default configuration file",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
			},
			Action: configInit,
		},
		{
			Name:  "show",
			Usage: "print the effective configuration",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "format",
					Usage: "table, toml, json or yaml",
					Value: "table",
				},
			},
			Action: configShow,
		},
		{
			Name:   "validate",
			Usage:  "check a configuration file against the schema",
			Action: configValidate,
		},
	},
}

func configInit(c *cli.Context) error {
	path := c.String("config")
	if path == "" {
		path = config.ConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}

func configShow(c *cli.Context) error {
	cfg, err := config.Load(configPath(c))
	if err != nil {
		return err
	}

	switch format := c.String("format"); format {
	case "table":
		renderConfig(c.App.Writer, cfg)
		return nil
	case "toml", "json", "yaml":
		data, err := config.Encode(cfg, "."+format)
		if err != nil {
			return err
		}
		_, err = c.App.Writer.Write(data)
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func configValidate(c *cli.Context) error {
	path := configPath(c)
	if c.Args().Present() {
		path = c.Args().First()
	}

	_, err := config.ValidateFile(path)
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		for _, w := range verrs.Warnings() {
			fmt.Fprintf(c.App.Writer, "warning: %s\n", w.Error())
		}
		if !verrs.HasErrors() {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s: ok\n", filepath.Clean(path))
	return nil
}
