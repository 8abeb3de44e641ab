// Command tracker runs the real-time vehicle tracking and ETA service.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/Sandeepjatav78/Raahi/internal/buildinfo"
	"github.com/Sandeepjatav78/Raahi/internal/config"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "YAML config file; environment variables override it",
	EnvVars: []string{"TRACKER_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:    "tracker",
		Usage:   "real-time vehicle tracking and ETA engine",
		Version: buildinfo.String(),
		Commands: []*cli.Command{
			serveCommand(),
			rebuildCommand(),
			seedCommand(),
			{
				Name:  "version",
				Usage: "print build information",
				Action: func(c *cli.Context) error {
					_, err := fmt.Fprintln(c.App.Writer, buildinfo.String())
					return err
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

// loadConfig reads the config named by --config and applies its log settings.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(l config.Log) {
	if l.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Logger.Level(level)
}
