package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpgateway/mcp-gateway/internal/store"
)

func newStatusCmd() *cobra.Command {
	var (
		asJSON  bool
		server  string
		pending bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last known state of configured servers",
		Long: `Reads the health snapshot the gateway persists to the cache directory
after every refresh. No live gateway is required.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := store.Open(store.DefaultPath())
			if err != nil {
				return exitWith(ExitConfigError, err)
			}
			defer db.Close()

			rows, err := db.ListHealth()
			if err != nil {
				return err
			}
			if server != "" {
				filtered := rows[:0]
				for _, row := range rows {
					if row.Name == server {
						filtered = append(filtered, row)
					}
				}
				rows = filtered
				if len(rows) == 0 {
					return fmt.Errorf("no status recorded for server %q", server)
				}
			}
			if pending {
				filtered := rows[:0]
				for _, row := range rows {
					if row.Pending > 0 {
						filtered = append(filtered, row)
					}
				}
				rows = filtered
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no server status recorded; has the gateway run?")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tSTATE\tTOOLS\tPENDING\tSOURCE\tREFRESHED\tLAST ERROR")
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					row.Name, row.State, row.ToolCount, row.Pending, row.Source,
					row.RefreshedAt.Local().Format(time.RFC3339), row.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	cmd.Flags().StringVar(&server, "server", "", "show only this server")
	cmd.Flags().BoolVar(&pending, "pending", false, "show only servers with pending requests")
	return cmd
}
