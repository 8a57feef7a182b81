package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexcrm/nexcrm/internal/access"
	"github.com/nexcrm/nexcrm/internal/embedding"
	"github.com/nexcrm/nexcrm/internal/lookup"
	"github.com/nexcrm/nexcrm/internal/retrieval"
	"github.com/nexcrm/nexcrm/internal/store"
)

var (
	queryUserID      int64
	queryRole        string
	queryExternal    bool
	queryDepartments []string
	queryCustomerID  int64
	queryTicketID    int64
	queryInternal    bool
	queryGlobal      bool
	queryTopK        int
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a retrieval query",
	Long: `query answers one retrieval call as the given caller would see it.
Results honor the caller's role, customer ownership and department tags;
structured identifiers in the text resolve to exact record matches.`,
	Args: cobra.MinimumNArgs(1),
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
		finder, err := lookup.NewFinder(a.pool, a.logger)
		if err != nil {
			return err
		}
		embedder, err := embedding.NewServiceFromConfig(ctx, a.cfg, a.logger)
		if err != nil {
			return err
		}
		resolver, err := access.NewResolver(a.pool, a.logger)
		if err != nil {
			return err
		}
		engine, err := retrieval.New(st, finder, embedder, resolver, a.cfg.Retrieval, nil, a.logger)
		if err != nil {
			return err
		}

		identity := access.Identity{
			UserID:      queryUserID,
			Role:        access.Role(queryRole),
			IsExternal:  queryExternal,
			Departments: queryDepartments,
		}
		req := retrieval.Request{
			Query:           strings.Join(args, " "),
			IncludeInternal: queryInternal,
			AllowGlobal:     queryGlobal,
			TopK:            queryTopK,
		}
		if queryCustomerID > 0 {
			req.CustomerID = &queryCustomerID
		}
		if queryTicketID > 0 {
			req.TicketID = &queryTicketID
		}

		resp, err := engine.Query(ctx, identity, req)
		if err != nil {
			return err
		}

		fmt.Printf("intent: %s   confidence: %s", resp.Intent, resp.Confidence)
		if resp.Fallback {
			fmt.Print("   (recent-records fallback)")
		}
		fmt.Println()
		for _, ident := range resp.Identifiers {
			fmt.Printf("identifier: %s %s\n", ident.Kind, ident.Value)
		}
		fmt.Println()

		for i, r := range resp.Results {
			marker := " "
			if r.Exact {
				marker = "*"
			}
			fmt.Printf("%2d%s [%.4f] %s %s — %s\n", i+1, marker, r.Score, r.SourceType, r.URI, r.Title)
			for _, line := range strings.Split(r.Snippet, "\n") {
				fmt.Printf("      %s\n", line)
			}
		}
		if len(resp.Results) == 0 {
			fmt.Println("no visible results")
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().Int64Var(&queryUserID, "user", 0, "caller user id")
	queryCmd.Flags().StringVar(&queryRole, "role", string(access.RoleAgent), "caller role: admin, manager, agent or viewer")
	queryCmd.Flags().BoolVar(&queryExternal, "external", false, "caller is an external user")
	queryCmd.Flags().StringSliceVar(&queryDepartments, "department", nil, "caller department tags")
	queryCmd.Flags().Int64Var(&queryCustomerID, "customer", 0, "customer context")
	queryCmd.Flags().Int64Var(&queryTicketID, "ticket", 0, "ticket context")
	queryCmd.Flags().BoolVar(&queryInternal, "internal", false, "include internal-sensitivity rows")
	queryCmd.Flags().BoolVar(&queryGlobal, "global", false, "allow a query without customer/ticket context")
	queryCmd.Flags().IntVar(&queryTopK, "top", 0, "result count override")
	rootCmd.AddCommand(queryCmd)
}
