package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the demo server.
// Descriptions are what the LLM reads to decide which tool to use. Priced
// tools get their price appended when registered.

var ToolFetchPage = mcp.NewTool("fetch_page",
	mcp.WithDescription(
		"Fetch a web page and return its status, content type and body (first 64 KiB)."),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("http or https URL to fetch")),
)

var ToolTextStats = mcp.NewTool("text_stats",
	mcp.WithDescription(
		"Count characters, words, lines and sentences in a text and list its most frequent words."),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("The text to analyse")),
	mcp.WithNumber("top",
		mcp.Description("How many frequent words to return (default 5)")),
)

var ToolPaymentStatus = mcp.NewTool("payment_status",
	mcp.WithDescription(
		"Look up a pending payment by id: the tool it pays for, its price, "+
			"the payment link and when it expires. Free to call."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("Payment id returned by a paid tool")),
)
