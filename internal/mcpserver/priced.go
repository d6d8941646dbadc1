package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paymcp/internal/flow"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/visibility"
)

type pricedTool struct {
	name        string
	description string
	price       payments.Price
	handler     flow.Handler
}

func (s *Server) pricedTool(name string) (*pricedTool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.priced[name]
	return pt, ok
}

// AddPricedTool registers a tool that only runs once its price is paid.
// Depending on the flow mode it also registers confirm_<tool>_payment.
func (s *Server) AddPricedTool(tool mcp.Tool, price payments.Price, handler flow.Handler) error {
	if err := price.Validate(); err != nil {
		return err
	}
	if tool.Name == "" || handler == nil {
		return fmt.Errorf("mcpserver: priced tool needs a name and a handler")
	}

	pt := &pricedTool{
		name:        tool.Name,
		description: tool.Description,
		price:       price,
		handler:     handler,
	}
	s.mu.Lock()
	if _, dup := s.priced[tool.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("mcpserver: priced tool %q already registered", tool.Name)
	}
	s.priced[tool.Name] = pt
	s.mu.Unlock()

	tool.Description = paidDescription(tool.Description, price)

	mode := s.gate.Mode()
	if mode == flow.ModeResubmit || mode == flow.ModeAuto {
		if tool.InputSchema.Properties == nil {
			tool.InputSchema.Properties = make(map[string]any)
		}
		tool.InputSchema.Properties[flow.PaymentIDArgument] = map[string]any{
			"type":        "string",
			"description": "Payment id from an earlier call. Pass it after paying to run the tool.",
		}
	}
	s.mcp.AddTool(tool, s.pricedHandler(pt))

	if mode != flow.ModeListChange {
		confirm := mcp.NewTool(flow.ConfirmToolName(tool.Name),
			mcp.WithDescription(fmt.Sprintf("Confirm payment and run %s.", tool.Name)),
			mcp.WithString(flow.PaymentIDArgument, mcp.Required(), mcp.Description("Payment id returned by "+tool.Name)),
		)
		s.mcp.AddTool(confirm, s.confirmHandler(pt))
	}
	return nil
}

func paidDescription(desc string, price payments.Price) string {
	suffix := "This is a paid function: " + price.String() + "."
	if desc == "" {
		return suffix
	}
	return desc + "\n\n" + suffix
}

func (s *Server) pricedHandler(pt *pricedTool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw := req.GetArguments()
		args, pid := flow.SplitArguments(raw)

		call := &flow.Call{
			Tool:                 pt.name,
			Arguments:            args,
			PaymentID:            pid,
			Session:              s.sessions.Resolve(ctx, raw),
			Price:                pt.price,
			Description:          pt.description,
			Handler:              pt.handler,
			ElicitationSupported: s.signal.Supported(ctx, s),
		}
		if _, ok := server.ClientSessionFromContext(ctx).(server.SessionWithElicitation); ok {
			call.Elicitor = &elicitor{mcp: s.mcp}
		}
		if req.Params.Meta != nil && req.Params.Meta.ProgressToken != nil {
			call.Progress = &progressReporter{mcp: s.mcp, token: req.Params.Meta.ProgressToken}
		}

		return render(s.gate.Invoke(ctx, call))
	}
}

func (s *Server) confirmHandler(pt *pricedTool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw := req.GetArguments()
		_, pid := flow.SplitArguments(raw)
		return render(s.gate.Confirm(ctx, &flow.Confirmation{
			Name:      flow.ConfirmToolName(pt.name),
			Tool:      pt.name,
			PaymentID: pid,
			Session:   s.sessions.Resolve(ctx, raw),
			Handler:   pt.handler,
		}))
	}
}

// sessionConfirmHandler serves a LIST_CHANGE confirmation tool. The payment
// id is bound to the tool, so it takes no arguments.
func (s *Server) sessionConfirmHandler(pt *pricedTool, c visibility.Confirmation) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return render(s.gate.Confirm(ctx, &flow.Confirmation{
			Name:      c.Name,
			Tool:      pt.name,
			PaymentID: c.PaymentID,
			Session:   s.sessions.Resolve(ctx, req.GetArguments()),
			Handler:   pt.handler,
		}))
	}
}

// elicitor asks the client to confirm the payment with a single boolean form.
type elicitor struct {
	mcp *server.MCPServer
}

func (e *elicitor) Elicit(ctx context.Context, message, paymentURL string) (flow.ElicitAction, error) {
	res, err := e.mcp.RequestElicitation(ctx, mcp.ElicitationRequest{
		Params: mcp.ElicitationParams{
			Message: message + "\n\n" + paymentURL,
			RequestedSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirmed": map[string]any{
						"type":        "boolean",
						"description": "Set once the payment is complete",
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	switch res.Action {
	case mcp.ElicitationResponseActionAccept:
		return flow.ElicitAccept, nil
	case mcp.ElicitationResponseActionDecline:
		return flow.ElicitDecline, nil
	}
	return flow.ElicitCancel, nil
}

// progressReporter sends notifications/progress for the request's token.
type progressReporter struct {
	mcp   *server.MCPServer
	token mcp.ProgressToken
}

func (p *progressReporter) Report(ctx context.Context, progress, total float64, message string) error {
	return p.mcp.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
		"progressToken": p.token,
		"progress":      progress,
		"total":         total,
		"message":       message,
	})
}
