package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/droidfleet/fleetagent"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent: scheduler, telemetry and ban detection until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fleetagent.LoadConfig(rootConfigPath)
			if err != nil {
				return err
			}
			agent, err := fleetagent.NewAgent(cfg)
			if err != nil {
				return err
			}
			defer agent.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("config", rootConfigPath).
				Int("devices", len(cfg.Devices)).
				Ints("schedule_minutes", cfg.ScheduleMinutes).
				Msg("starting fleet agent")
			if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("fleet agent stopped")
			return nil
		},
	}
}
