package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mcpgateway/mcp-gateway/internal/config"
	"github.com/mcpgateway/mcp-gateway/internal/gateway"
	"github.com/mcpgateway/mcp-gateway/internal/logging"
	"github.com/mcpgateway/mcp-gateway/internal/policy"
	"github.com/mcpgateway/mcp-gateway/internal/store"
)

func newRefreshCmd() *cobra.Command {
	var (
		server string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Connect to configured servers and save their health snapshot",
		Long: `Runs a standalone connect-and-index pass: start the configured servers,
fetch their inventories, and persist the health snapshot to the cache
directory, then disconnect. A gateway serving upstream is not required.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := flags.resolve()

			level, err := logging.ParseLevel(f.logLevel)
			if err != nil {
				return exitWith(ExitConfigError, err)
			}
			logger := slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: level}))

			db, err := store.Open(store.DefaultPath())
			if err != nil {
				return exitWith(ExitConfigError, err)
			}
			defer db.Close()

			g, err := gateway.New(gateway.Options{
				Config:       f.configOptions(),
				PolicyPath:   f.policy,
				ManifestPath: f.manifest,
				Store:        db,
				Logger:       logger,
			})
			if err != nil {
				return exitWith(ExitConfigError, err)
			}
			defer g.Close()

			summary, err := g.Refresh(cmd.Context(), server, force)
			if err != nil {
				if errors.Is(err, config.ErrInvalid) || errors.Is(err, policy.ErrInvalid) {
					return exitWith(ExitConfigError, err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "servers: %d seen, %d ready\n", summary.ServersSeen, summary.ServersReady)
			fmt.Fprintf(out, "tools indexed: %d (revision %s)\n", summary.ToolsIndexed, summary.Revision)
			for _, name := range summary.Started {
				fmt.Fprintf(out, "  started   %s\n", name)
			}
			for _, name := range summary.Restarted {
				fmt.Fprintf(out, "  restarted %s\n", name)
			}
			for _, name := range summary.Closed {
				fmt.Fprintf(out, "  closed    %s\n", name)
			}
			for _, msg := range summary.Errors {
				fmt.Fprintf(out, "  error     %s\n", msg)
			}
			if !summary.OK {
				return exitWith(ExitStartError, fmt.Errorf("%d server(s) failed to start", len(summary.Errors)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "refresh only this server")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "restart sessions even when unchanged")
	return cmd
}
