package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListServices = mcp.NewTool("list_services",
	mcp.WithDescription(
		"List the provider APIs reachable through the gateway. "+
			"Returns each listing id, its endpoints and their prices. "+
			"Use this to find the listing_id and path before calling paid_call."),
)

var ToolPaidCall = mcp.NewTool("paid_call",
	mcp.WithDescription(
		"Call a provider API through the gateway and pay for it with an escrow. "+
			"Funds are locked before the call and released only if the response you "+
			"receive hashes to what the gateway delivered; otherwise a dispute is opened. "+
			"If the call fails after the escrow was created, use refund_escrow once it times out."),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("Listing id from list_services (e.g. 'weather')")),
	mcp.WithString("path",
		mcp.Required(),
		mcp.Description("Endpoint path under the listing, e.g. '/forecast?city=Oslo'")),
	mcp.WithString("method",
		mcp.Description("HTTP method (default GET)"),
		mcp.Enum("GET", "POST", "PUT", "PATCH", "DELETE")),
	mcp.WithString("body",
		mcp.Description("Raw request body, sent verbatim")),
	mcp.WithString("max_price",
		mcp.Description("Maximum price you accept for this call, in whole units of the demanded asset (e.g. '0.01')")),
)

var ToolEscrowStatus = mcp.NewTool("escrow_status",
	mcp.WithDescription(
		"Show the state of an escrow: amount, provider, endpoint, delivery and receipt hashes, "+
			"and when it becomes refundable."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id returned by paid_call")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription(
		"Take back the funds of an escrow the provider never delivered on. "+
			"Only allowed after the escrow's timeout has passed."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id to refund")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your free balance on the gateway's ledger. Funds locked in open escrows are not included."),
	mcp.WithString("asset",
		mcp.Description("'native' (default) or an ERC-20 token address")),
)
