package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nexcrm/nexcrm/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion queue depth by status",
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
		counts, err := st.QueueCounts(ctx)
		if err != nil {
			return err
		}

		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)

		var total int64
		for _, s := range statuses {
			fmt.Printf("%-12s %d\n", s, counts[s])
			total += counts[s]
		}
		fmt.Printf("%-12s %d\n", "total", total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
