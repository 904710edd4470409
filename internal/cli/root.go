// Package cli implements the mcp-gateway command line: the default serve
// mode plus the status, logs, refresh, and init subcommands.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpgateway/mcp-gateway/internal/config"
	"github.com/mcpgateway/mcp-gateway/internal/policy"
)

// Exit codes per the CLI contract.
const (
	ExitOK          = 0
	ExitConfigError = 2
	ExitStartError  = 3
	ExitInterrupt   = 130
)

// Environment variable names honored across commands.
const (
	EnvConfig   = "MCP_GATEWAY_CONFIG"
	EnvPolicy   = "MCP_GATEWAY_POLICY"
	EnvLogLevel = "MCP_GATEWAY_LOG_LEVEL"
)

// exitError carries an explicit process exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

type rootFlags struct {
	project  string
	config   string
	policy   string
	manifest string
	logLevel string
	listen   string
}

var flags rootFlags

var rootCmd = &cobra.Command{
	Use:   "mcp-gateway",
	Short: "Meta-server that fronts a fleet of MCP servers with nine meta-tools",
	Long: `mcp-gateway collapses any number of MCP servers into a fixed surface of
nine meta-tools (catalog_search, describe, invoke, ...) so clients fetch
full tool schemas only on demand.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.project, "project", "p", "", "project root for .mcp.json discovery")
	pf.StringVarP(&flags.config, "config", "c", "", "custom MCP config file path")
	pf.StringVar(&flags.policy, "policy", "", "policy file path (YAML or JSON)")
	pf.StringVar(&flags.manifest, "manifest", "", "provisioning manifest override path")
	pf.StringVarP(&flags.logLevel, "log-level", "l", "", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&flags.listen, "listen", "", "serve the Streamable HTTP transport on this address instead of stdio")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newInitCmd())
}

// resolve applies environment fallbacks to the flag set.
func (f rootFlags) resolve() rootFlags {
	if f.config == "" {
		f.config = os.Getenv(EnvConfig)
	}
	if f.policy == "" {
		f.policy = os.Getenv(EnvPolicy)
	}
	if f.policy == "" {
		f.policy = policy.DefaultPath()
	}
	if f.logLevel == "" {
		f.logLevel = os.Getenv(EnvLogLevel)
	}
	return f
}

func (f rootFlags) configOptions() config.Options {
	return config.Options{CustomPath: f.config, ProjectRoot: f.project}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "error:", exit.err)
		}
		return exit.code
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	if errors.Is(err, config.ErrInvalid) || errors.Is(err, policy.ErrInvalid) {
		return ExitConfigError
	}
	return 1
}
