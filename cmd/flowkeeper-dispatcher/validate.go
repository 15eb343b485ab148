package main

import (
	"context"
	"fmt"

	"github.com/dukex/flowkeeper/pkg/config"
	"github.com/dukex/flowkeeper/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate the engine configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the engine configuration file",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("flowkeeper-dispatcher").With("action", "validate")

			engineConfig, err := config.Load(command.String("config"))
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger.InfoContext(ctx, "Configuration is valid",
				"workers", engineConfig.Dispatcher.Workers,
				"lease_duration", engineConfig.Dispatcher.LeaseDuration,
				"poll_interval", engineConfig.Dispatcher.PollInterval,
			)

			return nil
		},
	}
}
