package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/escrowgate/internal/catalog"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/pkg/client"
)

// maxBodyPreview caps how much of a provider response is echoed to the model.
const maxBodyPreview = 4000

// Payer runs paid calls and manages the escrows behind them.
// *client.Client satisfies it.
type Payer interface {
	Call(ctx context.Context, method, url string, body []byte) (*client.Result, error)
	Status(ctx context.Context, id uint64) (*escrow.Escrow, error)
	Refund(ctx context.Context, id uint64) error
}

// PayerFactory returns a Payer that refuses prices above maxPrice.
// An empty maxPrice means the configured default.
type PayerFactory func(maxPrice string) Payer

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	gateway   *GatewayClient
	payer     PayerFactory
	principal string
}

// NewHandlers creates a new Handlers instance. principal is the agent
// address used for balance lookups.
func NewHandlers(gateway *GatewayClient, payer PayerFactory, principal string) *Handlers {
	return &Handlers{gateway: gateway, payer: payer, principal: principal}
}

// HandleListServices lists the catalog.
func (h *Handlers) HandleListServices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.gateway.ListServices(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list services: %v", err)), nil
	}

	text, err := formatListings(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse catalog: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePaidCall pays for and calls one provider endpoint through the gateway.
func (h *Handlers) HandlePaidCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listingID := strings.TrimSpace(req.GetString("listing_id", ""))
	if listingID == "" {
		return mcp.NewToolResultError("listing_id is required"), nil
	}
	path := req.GetString("path", "")
	if path == "" {
		return mcp.NewToolResultError("path is required"), nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	method := strings.ToUpper(req.GetString("method", "GET"))

	var body []byte
	if b := req.GetString("body", ""); b != "" {
		body = []byte(b)
	}

	target := h.gateway.BaseURL() + "/proxy/" + url.PathEscape(listingID) + path
	res, err := h.payer(req.GetString("max_price", "")).Call(ctx, method, target, body)
	if err != nil {
		return mcp.NewToolResultError(describeCallError(err, res)), nil
	}
	return mcp.NewToolResultText(formatResult(res)), nil
}

// HandleEscrowStatus shows one escrow.
func (h *Handlers) HandleEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ledger.ParseID(req.GetString("escrow_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid escrow_id: %v", err)), nil
	}

	e, err := h.payer("").Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow %s: %v", ledger.FormatID(id), err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(e)), nil
}

// HandleRefundEscrow reclaims a timed-out escrow.
func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := ledger.ParseID(req.GetString("escrow_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid escrow_id: %v", err)), nil
	}

	if err := h.payer("").Refund(ctx, id); err != nil {
		switch {
		case errors.Is(err, escrow.ErrTimeoutNotReached):
			return mcp.NewToolResultError(fmt.Sprintf("Escrow %s has not timed out yet. Try again later.", ledger.FormatID(id))), nil
		case errors.Is(err, escrow.ErrWrongState):
			return mcp.NewToolResultError(fmt.Sprintf("Escrow %s can no longer be refunded: %v", ledger.FormatID(id), err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escrow %s refunded. The locked funds are back in your balance.", ledger.FormatID(id))), nil
}

// HandleCheckBalance shows the agent's free balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset := req.GetString("asset", "")
	raw, err := h.gateway.GetBalance(ctx, h.principal, asset)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Principal string `json:"principal"`
		Asset     string `json:"asset"`
		Balance   string `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Balance of %s: %s (%s, base units)", resp.Principal, resp.Balance, resp.Asset)), nil
}

func describeCallError(err error, res *client.Result) string {
	var settle *client.SettleError
	var status *client.StatusError
	switch {
	case errors.Is(err, client.ErrInsufficientFunds):
		return "Insufficient balance to fund the escrow for this call."
	case errors.Is(err, escrow.ErrAssetNotAllowed), errors.Is(err, client.ErrAssetNotAccepted):
		return fmt.Sprintf("The provider demands an asset this agent cannot pay with: %v", err)
	case errors.As(err, &settle):
		msg := fmt.Sprintf("Escrow %s was created but the %s step failed: %v.", ledger.FormatID(settle.EscrowID), settle.Stage, settle.Err)
		if res != nil && len(res.Body) > 0 {
			msg += "\n\nResponse received before the failure:\n" + preview(res.Body)
		}
		return msg + "\nCheck it with escrow_status; refund_escrow works once it times out."
	case errors.As(err, &status):
		if status.Body != nil && status.Body.Message != "" {
			return fmt.Sprintf("Gateway returned %d: %s", status.StatusCode, status.Body.Message)
		}
		return fmt.Sprintf("Gateway returned %d", status.StatusCode)
	}
	return fmt.Sprintf("Paid call failed: %v", err)
}

func formatListings(raw json.RawMessage) (string, error) {
	var resp struct {
		Listings []catalog.Listing `json:"listings"`
		Count    int               `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Listings) == 0 {
		return "No services registered.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d service(s):\n", len(resp.Listings))
	for _, l := range resp.Listings {
		fmt.Fprintf(&sb, "\n%s (%s), provider %s, paid in %s\n", l.ID, l.Name, l.Provider, l.Asset.Key())
		for _, ep := range l.Endpoints {
			method := ep.Method
			if method == "" {
				method = "ANY"
			}
			fmt.Fprintf(&sb, "  %-6s %s  price %s", method, ep.Path, ep.Price)
			if ep.Description != "" {
				fmt.Fprintf(&sb, "  %s", ep.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatResult(res *client.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Paid %s %s via escrow %s.\n", res.Price, res.Asset.Key(), ledger.FormatID(res.EscrowID))
	if res.Matched {
		fmt.Fprintf(&sb, "Delivery verified (hash %s); funds released, state %s.\n", res.LocalHash.Hex(), res.State)
	} else {
		fmt.Fprintf(&sb, "Delivery MISMATCH: gateway attested %s, received %s. A dispute was raised, state %s.\n",
			res.DataHash.Hex(), res.LocalHash.Hex(), res.State)
	}
	if res.ContentType != "" {
		fmt.Fprintf(&sb, "Content-Type: %s\n", res.ContentType)
	}
	sb.WriteString("\n")
	sb.WriteString(preview(res.Body))
	return sb.String()
}

func formatEscrow(e *escrow.Escrow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s: %s\n", ledger.FormatID(e.ID), e.State)
	fmt.Fprintf(&sb, "  Agent:    %s\n", e.Agent)
	fmt.Fprintf(&sb, "  Provider: %s\n", e.Provider)
	fmt.Fprintf(&sb, "  Amount:   %s %s\n", e.Amount, e.Asset.Key())
	if e.Endpoint != "" {
		fmt.Fprintf(&sb, "  Endpoint: %s\n", e.Endpoint)
	}
	if !e.DeliveryHash.IsZero() {
		fmt.Fprintf(&sb, "  Delivery: %s\n", e.DeliveryHash.Hex())
	}
	if !e.ReceiptHash.IsZero() {
		fmt.Fprintf(&sb, "  Receipt:  %s\n", e.ReceiptHash.Hex())
	}
	if e.State == escrow.StateCreated {
		fmt.Fprintf(&sb, "  Refundable after: %s\n", e.RefundableAt().UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return sb.String()
}

func preview(body []byte) string {
	if len(body) == 0 {
		return "(empty body)"
	}
	if !utf8.Valid(body) {
		return fmt.Sprintf("(%d bytes of binary data)", len(body))
	}
	if len(body) > maxBodyPreview {
		return string(body[:maxBodyPreview]) + fmt.Sprintf("\n... (%d more bytes)", len(body)-maxBodyPreview)
	}
	return string(body)
}
