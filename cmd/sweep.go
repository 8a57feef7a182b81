package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexcrm/nexcrm/internal/embedding"
	"github.com/nexcrm/nexcrm/internal/ingest"
	"github.com/nexcrm/nexcrm/internal/source"
	"github.com/nexcrm/nexcrm/internal/store"
)

var sweepCmd = &cobra.Command{
	Use:     "sweep",
	Aliases: []string{"sync"},
	Short:   "Enqueue records changed since the last sweep",
	Long: `sweep walks every system-of-record table past its sync watermark and
enqueues an ingestion job per changed record. Run it periodically as the
safety net under event-driven enqueues; jobs for unchanged content are
cheap no-ops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := store.New(a.pool, a.logger)
		if err != nil {
			return err
		}
		fetcher, err := source.NewFetcher(a.pool)
		if err != nil {
			return err
		}
		embedder, err := embedding.NewServiceFromConfig(ctx, a.cfg, a.logger)
		if err != nil {
			return err
		}

		pipeline, err := ingest.New(st, fetcher, embedder, a.cfg.Ingest, nil, a.logger)
		if err != nil {
			return err
		}
		defer pipeline.Release()

		result, err := pipeline.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("sweep complete: %d jobs enqueued, %d live jobs absorbed\n",
			result.Enqueued, result.Upgraded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
