package main

import (
	"context"
	"fmt"
	"os"

	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"
	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/config"
	"github.com/hitushen/snmpdash/internal/logging"
)

var version = "dev"

func main() {
	env.Load()

	root := &cli.Command{
		Name:        "snmpdash",
		Version:     version,
		Usage:       "SNMP monitoring dashboard",
		Description: "Browser dashboard and discovery wizard backed by the SNMP monitoring API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a config file (yaml, toml or json)",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
				Global:  true,
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			devicesCommand(),
			discoverCommand(),
		},
	}

	if err := root.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup 读取配置并构建日志器。
func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.GetString("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
