package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/droidfleet/fleetagent"
)

func newTriggerCmd() *cobra.Command {
	var flagDevice string

	cmd := &cobra.Command{
		Use:   "trigger <button>",
		Short: "Run a named button scenario now and wait for it to finish",
		Args:  cobra.ExactArgs(1),
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
			return agent.TriggerButton(ctx, args[0], flagDevice)
		},
	}

	cmd.Flags().StringVar(&flagDevice, "device", "", "Limit the trigger to one device id")
	return cmd
}
