// escrowgate MCP server - lets an LLM agent pay for API calls through the gateway
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowgate/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		GatewayURL: envOrDefault("ESCROWGATE_URL", "http://localhost:8080"),
		LedgerURL:  os.Getenv("ESCROWGATE_LEDGER_URL"),
		PrivateKey: os.Getenv("ESCROWGATE_PRIVATE_KEY"),
		MaxPrice:   os.Getenv("ESCROWGATE_MAX_PRICE"),
	}

	if cfg.PrivateKey == "" {
		fmt.Fprintln(os.Stderr, "ESCROWGATE_PRIVATE_KEY is required")
		os.Exit(1)
	}

	s, err := mcpserver.NewMCPServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
