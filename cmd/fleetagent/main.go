package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/droidfleet/fleetagent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "fleetagent",
	Short: "Device fleet automation agent",
	Long:  "fleetagent drives scripted UI scenarios across a fleet of bridged devices: scheduled orchestration passes, image-match step execution, change-detecting telemetry uploads and ban detection.",
}

var rootConfigPath string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "fleetagent.yaml", "Path to the YAML configuration")
	rootCmd.AddCommand(
		newRunCmd(),
		newOnceCmd(),
		newScanCmd(),
		newStatusCmd(),
		newTriggerCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleetagent command failed")
	}
}
