package mcpserver

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/paymcp/internal/flow"
)

// outcomeBody is the structured content of a call that did not run the tool.
type outcomeBody struct {
	Status     string `json:"status"`
	Flow       string `json:"flow"`
	PaymentID  string `json:"payment_id,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
	NextStep   string `json:"next_step,omitempty"`
	Message    string `json:"message,omitempty"`
}

// errorBody is the structured content of a refused payment.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	PaymentID  string `json:"payment_id,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
	NextStep   string `json:"next_step,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// render turns a gate result into an MCP tool result. Tool and payment
// failures are reported in-band, so the returned error is always nil.
func render(out *flow.Outcome, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		var pe *flow.PaymentError
		if errors.As(err, &pe) {
			res := mcp.NewToolResultStructuredOnly(errorBody{
				Error:      flow.ErrorCode(err),
				Message:    pe.Error(),
				PaymentID:  pe.PaymentID,
				PaymentURL: pe.PaymentURL,
				NextStep:   pe.NextStep,
				Retryable:  pe.Retryable,
			})
			res.IsError = true
			return res, nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	if out.Status != flow.OutcomeExecuted {
		return mcp.NewToolResultStructuredOnly(outcomeBody{
			Status:     string(out.Status),
			Flow:       string(out.Flow),
			PaymentID:  out.PaymentID,
			PaymentURL: out.PaymentURL,
			NextStep:   out.NextStep,
			Message:    out.Message,
		}), nil
	}

	switch v := out.Result.(type) {
	case *mcp.CallToolResult:
		return v, nil
	case nil:
		return mcp.NewToolResultText(""), nil
	case string:
		return mcp.NewToolResultText(v), nil
	case fmt.Stringer:
		return mcp.NewToolResultText(v.String()), nil
	}
	res, jerr := mcp.NewToolResultJSON(out.Result)
	if jerr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", jerr)), nil
	}
	return res, nil
}
