package mcpserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mbd888/escrowgate/internal/auth"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/ledger/remote"
	"github.com/mbd888/escrowgate/pkg/client"
)

// NewMCPServer creates a configured MCP server with all escrowgate tools
// registered. The agent pays through the signed ledger API at LedgerURL.
func NewMCPServer(cfg Config) (*server.MCPServer, error) {
	key, err := auth.ParseKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("mcpserver: gateway URL is required")
	}
	ledgerURL := cfg.LedgerURL
	if ledgerURL == "" {
		ledgerURL = cfg.GatewayURL
	}

	l := remote.New(strings.TrimRight(ledgerURL, "/"), key).
		WithHTTPClient(&http.Client{Timeout: 30 * time.Second}).
		WithReadRetry(3, 200*time.Millisecond)

	return newServer(NewHandlers(NewGatewayClient(cfg.GatewayURL), payerFactory(l, cfg.MaxPrice), auth.Address(key))), nil
}

func newServer(h *Handlers) *server.MCPServer {
	s := server.NewMCPServer("escrowgate", "1.0.0")

	s.AddTool(ToolListServices, h.HandleListServices)
	s.AddTool(ToolPaidCall, h.HandlePaidCall)
	s.AddTool(ToolEscrowStatus, h.HandleEscrowStatus)
	s.AddTool(ToolRefundEscrow, h.HandleRefundEscrow)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}

func payerFactory(l ledger.Ledger, defaultMax string) PayerFactory {
	return func(maxPrice string) Payer {
		c := client.New(l)
		c.MaxPrice = defaultMax
		if maxPrice != "" {
			c.MaxPrice = maxPrice
		}
		return c
	}
}
