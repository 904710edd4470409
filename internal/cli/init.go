package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const starterConfig = `{
  "mcpServers": {
    "filesystem": {
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-filesystem", "."]
    }
  }
}
`

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter .mcp.json into a project directory",
		Long:  "Uses --project (or the current directory) as the target. Refuses to overwrite without --force.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := flags.project
			if dir == "" {
				var err error
				if dir, err = os.Getwd(); err != nil {
					return err
				}
			}
			path := filepath.Join(dir, ".mcp.json")
			if _, err := os.Stat(path); err == nil && !force {
				return exitWith(ExitConfigError,
					fmt.Errorf("%s already exists; pass --force to overwrite", path))
			}
			if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
				return exitWith(ExitConfigError, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "edit it to add your servers, then run mcp-gateway")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing .mcp.json")
	return cmd
}
