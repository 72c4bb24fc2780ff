package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/droidfleet/fleetagent"
	"github.com/droidfleet/fleetagent/internal/bridge"
)

func newScanCmd() *cobra.Command {
	var (
		flagHost     string
		flagPortFrom int
		flagPortTo   int
		flagParallel int
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Sweep local ports for reachable bridged devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fleetagent.LoadConfig(rootConfigPath)
			if err != nil {
				return err
			}
			if flagPortFrom > flagPortTo {
				return fmt.Errorf("port range %d-%d is empty", flagPortFrom, flagPortTo)
			}
			br := bridge.New(cfg.ADBPath, bridge.WithTimeout(5*time.Second))

			var (
				mu    sync.Mutex
				found []string
			)
			group, ctx := errgroup.WithContext(cmd.Context())
			group.SetLimit(flagParallel)
			for port := flagPortFrom; port <= flagPortTo; port++ {
				serial := fmt.Sprintf("%s:%d", flagHost, port)
				group.Go(func() error {
					if err := br.Connect(ctx, serial); err != nil {
						return nil
					}
					mu.Lock()
					found = append(found, serial)
					mu.Unlock()
					return nil
				})
			}
			if err := group.Wait(); err != nil {
				return err
			}

			sort.Strings(found)
			log.Info().Int("scanned", flagPortTo-flagPortFrom+1).Int("found", len(found)).Msg("port sweep finished")
			for _, serial := range found {
				fmt.Println(serial)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "Host to sweep")
	cmd.Flags().IntVar(&flagPortFrom, "port-from", 4000, "First port of the sweep range")
	cmd.Flags().IntVar(&flagPortTo, "port-to", 6999, "Last port of the sweep range")
	cmd.Flags().IntVar(&flagParallel, "parallel", 64, "Maximum concurrent connection attempts")

	return cmd
}
