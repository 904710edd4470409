package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcpgateway/mcp-gateway/internal/logging"
	"github.com/mcpgateway/mcp-gateway/internal/store"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		tail   int
		level  string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print gateway logs from the cache directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			minLevel, err := logging.ParseLevel(level)
			if err != nil {
				return exitWith(ExitConfigError, err)
			}
			path := logging.File(store.CacheDir())

			entries, err := logging.Tail(path, tail, minLevel)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), entry.Raw)
			}
			if !follow {
				return nil
			}

			stop := make(chan struct{})
			interrupted := make(chan os.Signal, 1)
			signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupted)

			out := make(chan logging.Entry, 64)
			errCh := make(chan error, 1)
			go func() { errCh <- logging.Follow(path, minLevel, out, stop) }()
			for {
				select {
				case entry := <-out:
					fmt.Fprintln(cmd.OutOrStdout(), entry.Raw)
				case <-interrupted:
					close(stop)
					<-errCh
					return exitWith(ExitInterrupt, nil)
				case err := <-errCh:
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new log entries")
	cmd.Flags().IntVar(&tail, "tail", 50, "number of trailing entries to print")
	cmd.Flags().StringVar(&level, "level", "", "minimum level: debug, info, warn, error")
	return cmd
}
