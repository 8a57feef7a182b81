package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexcrm/nexcrm/internal/source"
	"github.com/nexcrm/nexcrm/internal/store"
)

var (
	enqueueOperation string
	enqueuePriority  int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <source-type> <source-id>",
	Short: "Enqueue one ingestion job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, sourceID := args[0], args[1]
		if !source.Type(sourceType).Valid() {
			return fmt.Errorf("unknown source type %q (one of %v)", sourceType, source.All)
		}

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

		jobID, upgraded, err := st.Enqueue(ctx, sourceType, sourceID,
			enqueueOperation, enqueuePriority, a.cfg.Ingest.MaxAttempts)
		if err != nil {
			return err
		}
		if upgraded {
			fmt.Printf("live job %s absorbed the enqueue\n", jobID)
		} else {
			fmt.Printf("job %s enqueued\n", jobID)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueOperation, "operation", store.OpUpsert,
		"job operation: upsert, reindex or delete")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "job priority")
	rootCmd.AddCommand(enqueueCmd)
}
