// rawcapture - system-wide keyboard capture through Windows raw input
//
//	rawcapture run              Capture keys until q is pressed
//	rawcapture run --simulate   Run against a simulated keyboard
//	rawcapture config init      Write a default configuration file
//	rawcapture config show      Print the effective configuration
//	rawcapture config validate  Check a configuration file
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"rawcapture/internal/config"
)

var version = "dev"

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rawcapture: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "rawcapture",
		Usage:     "capture system-wide keyboard input through Windows raw input",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file (TOML, JSON or YAML)",
				EnvVars: []string{"RAWCAPTURE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand,
			configCommand,
		},
	}
}

// configPath resolves --config, then a config file in the usual places,
// then the default path.
func configPath(c *cli.Context) string {
	if p := c.String("config"); p != "" {
		return p
	}
	if p := config.FindConfigFile(); p != "" {
		return p
	}
	return config.ConfigPath()
}
