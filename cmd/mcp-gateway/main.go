package main

import (
	"os"

	"github.com/mcpgateway/mcp-gateway/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
