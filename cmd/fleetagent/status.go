package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/droidfleet/fleetagent"
	"github.com/droidfleet/fleetagent/internal/bridge"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List live devices with model and SDK level",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fleetagent.LoadConfig(rootConfigPath)
			if err != nil {
				return err
			}
			br := bridge.New(cfg.ADBPath)
			ctx := cmd.Context()

			serials, err := br.Devices(ctx)
			if err != nil {
				return err
			}
			if len(serials) == 0 {
				fmt.Println("no devices online")
				return nil
			}
			for _, serial := range serials {
				model, err := br.Getprop(ctx, serial, "ro.product.model")
				if err != nil {
					log.Warn().Err(err).Str("device", serial).Msg("reading model")
				}
				sdk, err := br.Getprop(ctx, serial, "ro.build.version.sdk")
				if err != nil {
					log.Warn().Err(err).Str("device", serial).Msg("reading sdk level")
				}
				fmt.Printf("%s\tmodel=%s\tsdk=%s\n", serial, model, sdk)
			}
			return nil
		},
	}
}
