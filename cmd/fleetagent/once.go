package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/droidfleet/fleetagent"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Execute a single orchestration pass and exit",
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
			return agent.RunOnce(ctx)
		},
	}
}
